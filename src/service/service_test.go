package service

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keepsimple1/heartwood/src/config"
	"github.com/keepsimple1/heartwood/src/crypto"
	"github.com/keepsimple1/heartwood/src/node"
	"github.com/keepsimple1/heartwood/src/store"
	"github.com/keepsimple1/heartwood/src/transfer"
)

func testService(t *testing.T) (*Service, *node.Node) {
	t.Helper()

	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.SetDataDir(t.TempDir())
	conf.BindAddr = "127.0.0.1:0"
	conf.Alias = "test"
	conf.AnnouncePeriod = time.Hour
	conf.PingInterval = time.Hour
	conf.PrunePeriod = time.Hour

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	st, err := store.New(filepath.Join(conf.DataDir, "node.db"), conf.Logger())
	if err != nil {
		t.Fatal(err)
	}

	n, err := node.NewNode(conf, key, st, transfer.NewInmemTransfer(), conf.Logger())
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Init(); err != nil {
		t.Fatal(err)
	}
	go n.Run()
	t.Cleanup(func() {
		n.Shutdown()
		st.Close()
	})

	return NewService("127.0.0.1:0", n, conf.Logger()), n
}

func TestGetStatus(t *testing.T) {
	s, n := testService(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var status node.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.NodeID != n.ID().String() {
		t.Fatalf("unexpected node id %s", status.NodeID)
	}
	if status.Alias != "test" {
		t.Fatalf("unexpected alias %s", status.Alias)
	}
}

func TestGetRoutingEmpty(t *testing.T) {
	s, _ := testService(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/routing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var table map[string][]string
	if err := json.NewDecoder(resp.Body).Decode(&table); err != nil {
		t.Fatal(err)
	}
	if len(table) != 0 {
		t.Fatalf("expected empty routing table, got %v", table)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := testService(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/status", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestPostConnectBadRequest(t *testing.T) {
	s, _ := testService(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	for _, body := range []string{"{not json", `{"addr": "no-port"}`} {
		resp, err := http.Post(srv.URL+"/connect", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestPostFetchBadRepo(t *testing.T) {
	s, _ := testService(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/fetch", "application/json", bytes.NewBufferString(`{"repo": "bogus"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestConnectAndPeers(t *testing.T) {
	s1, _ := testService(t)
	srv := httptest.NewServer(s1.Handler())
	defer srv.Close()

	_, n2 := testService(t)

	body, _ := json.Marshal(map[string]string{"addr": n2.Addr().String()})
	resp, err := http.Post(srv.URL+"/connect", "application/json", bytes.NewBuffer(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(srv.URL + "/peers")
		if err != nil {
			t.Fatal(err)
		}
		var sessions []node.SessionInfo
		if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()

		if len(sessions) == 1 && sessions[0].Peer == n2.ID().String() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never became active: %+v", sessions)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
