//go:build linux || darwin || freebsd

package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/memdb/lib/pool"
	"github.com/ValentinKolb/memdb/lib/store"
	"github.com/ValentinKolb/memdb/lib/store/lstore"
	"github.com/ValentinKolb/memdb/server/common"
	"github.com/ValentinKolb/memdb/server/dispatcher"
	"github.com/ValentinKolb/memdb/server/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// --------------------------------------------------------------------------
// Test protocol
// --------------------------------------------------------------------------

var errQuit = errors.New("quit")

// lineHandler serves a minimal text protocol, one command per line:
//
//	SET <key> <value> -> OK
//	GET <key>         -> <value> | NIL
//	DEL <key>         -> 1 | 0
//	QUIT              -> closes the connection
func lineHandler(conn *tcp.Conn, kv store.IStore) error {
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if errors.Is(err, tcp.ErrWouldBlock) {
		return nil
	}
	if err != nil {
		return err
	}

	var out bytes.Buffer
	for _, line := range strings.Split(strings.TrimSpace(string(buf[:n])), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch {
		case fields[0] == "SET" && len(fields) == 3:
			if err := kv.Upsert(fields[1], []byte(fields[2])); err != nil {
				return err
			}
			out.WriteString("OK\n")
		case fields[0] == "GET" && len(fields) == 2:
			v, ok, err := kv.Lookup(fields[1])
			if err != nil {
				return err
			}
			if !ok {
				out.WriteString("NIL\n")
			} else {
				out.Write(v)
				out.WriteString("\n")
			}
		case fields[0] == "DEL" && len(fields) == 2:
			ok, err := kv.Delete(fields[1])
			if err != nil {
				return err
			}
			if ok {
				out.WriteString("1\n")
			} else {
				out.WriteString("0\n")
			}
		case fields[0] == "QUIT":
			return errQuit
		default:
			out.WriteString("ERR\n")
		}
	}

	_, err = conn.Write(out.Bytes())
	return err
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func testConfig() common.ServerConfig {
	cfg := common.DefaultServerConfig()
	cfg.Port = 0
	cfg.Workers = 4
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

type testServer struct {
	*Server
	kv   store.IStore
	errC chan error
}

// startServer runs a server on an ephemeral port and stops it at the end of the test
func startServer(t *testing.T, cfg common.ServerConfig, handler Handler) *testServer {
	t.Helper()

	kv := lstore.NewLocalStore(lstore.WithShards(4))
	s := NewServer(cfg, kv, pool.New(cfg.Workers), handler)

	errC := make(chan error, 1)
	go func() {
		errC <- s.Start(context.Background())
	}()

	select {
	case <-s.Ready():
	case err := <-errC:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	ts := &testServer{Server: s, kv: kv, errC: errC}
	t.Cleanup(func() {
		s.Stop()
		select {
		case <-errC:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		_ = kv.Close()
	})
	return ts
}

// wait stops the server and returns the result of Start
func (ts *testServer) wait(t *testing.T) error {
	t.Helper()
	ts.Stop()
	select {
	case err := <-ts.errC:
		ts.errC <- err // for the cleanup
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, port int) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

// do sends one command and returns the response line
func (c *client) do(cmd string) (string, error) {
	if err := c.conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return "", err
	}
	if _, err := fmt.Fprintf(c.conn, "%s\n", cmd); err != nil {
		return "", err
	}
	line, err := c.r.ReadString('\n')
	return strings.TrimSuffix(line, "\n"), err
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestServeLineProtocol(t *testing.T) {
	s := startServer(t, testConfig(), HandlerFunc(lineHandler))
	c := dial(t, s.Port())

	steps := []struct{ cmd, want string }{
		{"GET a", "NIL"},
		{"SET a 1", "OK"},
		{"GET a", "1"},
		{"SET a 2", "OK"},
		{"GET a", "2"},
		{"DEL a", "1"},
		{"DEL a", "0"},
		{"GET a", "NIL"},
		{"FOO", "ERR"},
	}
	for _, step := range steps {
		got, err := c.do(step.cmd)
		require.NoError(t, err, step.cmd)
		assert.Equal(t, step.want, got, step.cmd)
	}
}

func TestConcurrentClients(t *testing.T) {
	t.Run("DefaultMaxEvents", func(t *testing.T) {
		runConcurrentClients(t, testConfig())
	})
	t.Run("SingleEventPerCommit", func(t *testing.T) {
		// events and failed re-arms that do not fit wait for the next commit
		cfg := testConfig()
		cfg.MaxEvents = 1
		runConcurrentClients(t, cfg)
	})
}

func runConcurrentClients(t *testing.T, cfg common.ServerConfig) {
	s := startServer(t, cfg, HandlerFunc(lineHandler))

	const clients = 16
	const requests = 50

	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(s.Port())), time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			c := &client{conn: conn, r: bufio.NewReader(conn)}

			for j := 0; j < requests; j++ {
				key := fmt.Sprintf("c%d-k%d", id, j)
				if got, err := c.do("SET " + key + " " + strconv.Itoa(j)); err != nil || got != "OK" {
					errs <- fmt.Errorf("SET %s: %q %v", key, got, err)
					return
				}
				if got, err := c.do("GET " + key); err != nil || got != strconv.Itoa(j) {
					errs <- fmt.Errorf("GET %s: %q %v", key, got, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	info, err := s.kv.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(clients*requests), uint64(info.Entries))
}

func TestHandlerErrorClosesConnection(t *testing.T) {
	s := startServer(t, testConfig(), HandlerFunc(lineHandler))
	c := dial(t, s.Port())

	got, err := c.do("SET a 1")
	require.NoError(t, err)
	require.Equal(t, "OK", got)

	_, err = c.do("QUIT")
	assert.Error(t, err) // EOF

	assert.Eventually(t, func() bool { return s.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientDisconnect(t *testing.T) {
	s := startServer(t, testConfig(), nil)

	c := dial(t, s.Port())
	_, err := c.conn.Write([]byte("discarded"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return s.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.conn.Close())
	assert.Eventually(t, func() bool { return s.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStopClosesConnections(t *testing.T) {
	s := startServer(t, testConfig(), HandlerFunc(lineHandler))
	c := dial(t, s.Port())

	got, err := c.do("SET a 1")
	require.NoError(t, err)
	require.Equal(t, "OK", got)

	require.NoError(t, s.wait(t))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, s.Connections())

	// the idle connection was closed by the server
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = c.r.ReadByte()
	assert.Error(t, err)

	// the pool is shut down
	assert.ErrorIs(t, s.workers.Submit(func() {}), pool.ErrClosed)
}

func TestStopLeavesBusyConnectionToWorker(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	defer unblock()

	handler := HandlerFunc(func(conn *tcp.Conn, _ store.IStore) error {
		entered <- struct{}{}
		<-release
		_, err := conn.Write([]byte("done\n"))
		return err
	})

	cfg := testConfig()
	cfg.ShutdownTimeout = 100 * time.Millisecond
	s := startServer(t, cfg, handler)
	c := dial(t, s.Port())

	_, err := c.conn.Write([]byte("x"))
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	// the pool misses its deadline, the connection stays open for the running handler
	require.NoError(t, s.wait(t))
	assert.Equal(t, 1, s.Connections())

	_ = c.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err = c.r.ReadByte()
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "connection closed under the handler: %v", err)

	// the handler can still respond, then its worker closes the connection
	unblock()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "done\n", line)

	_, err = c.r.ReadByte()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return s.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestFatalCommitError(t *testing.T) {
	tests := []struct {
		err   error
		fatal bool
	}{
		{dispatcher.ErrClosed, true},
		{fmt.Errorf("wrapped: %w", dispatcher.ErrForked), true},
		{unix.EBADF, true},
		{unix.ENOSPC, false},
		{unix.ENOMEM, false},
		{unix.ENOENT, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.fatal, fatalCommitError(tt.err), tt.err.Error())
	}
}

func TestStopViaContext(t *testing.T) {
	cfg := testConfig()
	s := NewServer(cfg, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)
	go func() {
		errC <- s.Start(ctx)
	}()

	select {
	case <-s.Ready():
	case err := <-errC:
		t.Fatalf("server failed to start: %v", err)
	}
	assert.Greater(t, s.Port(), 0)

	cancel()
	select {
	case err := <-errC:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
	assert.Equal(t, StateClosed, s.State())
}

func TestStartTwice(t *testing.T) {
	s := startServer(t, testConfig(), nil)
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestStartFailsOnBusyPort(t *testing.T) {
	first := startServer(t, testConfig(), nil)

	cfg := testConfig()
	cfg.Port = first.Port()
	s := NewServer(cfg, nil, nil, nil)
	err := s.Start(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateClosed, s.State())
}

func TestWriteMetrics(t *testing.T) {
	s := startServer(t, testConfig(), HandlerFunc(lineHandler))
	c := dial(t, s.Port())
	_, err := c.do("SET a 1")
	require.NoError(t, err)

	var buf bytes.Buffer
	s.WriteMetrics(&buf)
	out := buf.String()

	assert.Contains(t, out, "memdb_server_connections_accepted_total 1")
	assert.Contains(t, out, "memdb_server_connections_open 1")
	assert.Contains(t, out, "memdb_store_entries 1")
	assert.Contains(t, out, "memdb_pool_workers")
}

// statsCountingStore counts the calls of Stats
type statsCountingStore struct {
	store.IStore
	calls atomic.Int32
}

func (s *statsCountingStore) Stats() (store.Info, error) {
	s.calls.Add(1)
	return s.IStore.Stats()
}

func TestWriteMetricsReadsStoreStatsOnce(t *testing.T) {
	kv := &statsCountingStore{IStore: lstore.NewLocalStore(lstore.WithShards(2))}
	defer kv.Close()
	require.NoError(t, kv.Upsert("a", []byte("value")))

	s := NewServer(testConfig(), kv, nil, nil)
	defer s.workers.Shutdown(context.Background())

	var buf bytes.Buffer
	s.WriteMetrics(&buf)

	assert.Equal(t, int32(1), kv.calls.Load())
	assert.Contains(t, buf.String(), "memdb_store_entries 1")
	assert.Contains(t, buf.String(), "memdb_store_size_bytes ")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "dispatching", StateDispatching.String())
	assert.Equal(t, "unknown", State(42).String())
}
