package command

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/keepsimple1/heartwood/src/heartwood"
)

// NewRunCmd produces the command that runs a node.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run node",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlagsAndConfig(cmd)
		},
		RunE: runNode,
	}

	AddRunFlags(cmd)

	return cmd
}

// AddRunFlags adds flags to the run command
func AddRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for peer sessions")
	cmd.Flags().String("advertise", _config.AdvertiseAddr, "Advertised IP:Port when different from the bind address")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for the HTTP API")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP API")
	cmd.Flags().StringP("transfer-addr", "t", _config.TransferAddr, "RPC endpoint of the replication collaborator")
	cmd.Flags().String("alias", _config.Alias, "Friendly node name included in announcements")
	cmd.Flags().String("log-file", _config.LogFile, "Also write logs to this file")

	cmd.Flags().Uint8("announce-ttl", _config.AnnounceTTL, "Hop budget on locally originated announcements")
	cmd.Flags().Int("relay-fanout", _config.RelayFanout, "Sessions an announcement is relayed to (0 = all)")
	cmd.Flags().Int("max-sessions", _config.MaxSessions, "Max concurrent peer sessions")
	cmd.Flags().Int("queue-size", _config.QueueSize, "Outbound message buffer per session")
	cmd.Flags().Uint("dedup-size", _config.DedupSize, "Capacity of per-session deduplication filters")
	cmd.Flags().Float64("rate-per-second", _config.RatePerSecond, "Per-announcer gossip rate limit")
	cmd.Flags().Int("rate-burst", _config.RateBurst, "Per-announcer gossip burst allowance")

	cmd.Flags().Int("max-fetches", _config.MaxFetches, "Max concurrent repository transfers")
	cmd.Flags().Int("fetch-attempts", _config.FetchAttempts, "Candidate peers tried per fetch")
	cmd.Flags().Duration("fetch-timeout", _config.FetchTimeout, "Timeout of one fetch attempt")
	cmd.Flags().Duration("dial-timeout", _config.DialTimeout, "Timeout for outbound connections")
	cmd.Flags().Duration("ping-interval", _config.PingInterval, "Keepalive probe interval")
	cmd.Flags().Duration("pong-timeout", _config.PongTimeout, "Unresponsive session cutoff")
	cmd.Flags().Duration("close-grace", _config.CloseGrace, "Outbound flush bound when closing a session")
	cmd.Flags().Duration("announce-period", _config.AnnouncePeriod, "Period of identity and inventory re-announcement")
	cmd.Flags().Duration("prune-period", _config.PrunePeriod, "Period of address book pruning")
	cmd.Flags().Duration("address-ttl", _config.AddressTTL, "Lifetime of unseen address book entries")
}

func runNode(cmd *cobra.Command, args []string) error {
	_config.Logger().WithFields(logrus.Fields{
		"datadir":         _config.DataDir,
		"listen":          _config.BindAddr,
		"advertise":       _config.AdvertiseAddr,
		"service-listen":  _config.ServiceAddr,
		"no-service":      _config.NoService,
		"transfer-addr":   _config.ResolvedTransferAddr(),
		"alias":           _config.Alias,
		"announce-ttl":    _config.AnnounceTTL,
		"relay-fanout":    _config.RelayFanout,
		"max-sessions":    _config.MaxSessions,
		"max-fetches":     _config.MaxFetches,
		"announce-period": _config.AnnouncePeriod,
	}).Debug("RUN")

	engine := heartwood.NewHeartwood(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	engine.Run()

	return nil
}
