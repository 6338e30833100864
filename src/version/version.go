package version

// Version is the full semantic version of the heartwood node.
var Version = Maj + "." + Min + "." + Fix + Meta

const (
	Maj = "0"
	Min = "3"
	Fix = "0"

	// Meta holds the pre-release tag, if any.
	Meta = ""
)
