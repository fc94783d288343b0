package stream

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroadcaster(t *testing.T) (*Broadcaster, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBroadcaster(nil)
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return b, cancel
}

// readEvent returns the data line of the next event called name. An empty
// name matches events sent without an event line.
func readEvent(t *testing.T, scanner *bufio.Scanner, name string) string {
	t.Helper()
	current := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			current = ""
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && current == name:
			return strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended before %q event", name)
	return ""
}

func TestServeHTTPStreamsEvents(t *testing.T) {
	b, _ := startBroadcaster(t)
	server := httptest.NewServer(b)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	connected := readEvent(t, scanner, "connected")
	assert.Contains(t, connected, "timestamp")

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	b.Broadcast(Event{Event: "dataset", ID: "snap-1", Data: map[string]int{"rows": 2}})
	assert.JSONEq(t, `{"rows":2}`, readEvent(t, scanner, "dataset"))
}

func TestUnnamedEventOmitsEventLine(t *testing.T) {
	b, _ := startBroadcaster(t)
	server := httptest.NewServer(b)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	readEvent(t, scanner, "connected")
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	b.Broadcast(Event{ID: "snap-2", Data: map[string]int{"rows": 3}})

	var block []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		block = append(block, line)
	}
	assert.Equal(t, []string{"id: snap-2", `data: {"rows":3}`}, block)
}

func TestLatestEventOnConnect(t *testing.T) {
	b, _ := startBroadcaster(t)
	b.Broadcast(Event{Event: "dataset", Data: []string{"Peru"}})

	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return b.latest != nil
	}, time.Second, 10*time.Millisecond)

	server := httptest.NewServer(b)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	assert.JSONEq(t, `["Peru"]`, readEvent(t, scanner, "dataset"))
}

func TestClientDisconnect(t *testing.T) {
	b, _ := startBroadcaster(t)
	server := httptest.NewServer(b)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	_ = resp.Body.Close()
	require.Eventually(t, func() bool { return b.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesStreams(t *testing.T) {
	b, cancel := startBroadcaster(t)
	server := httptest.NewServer(b)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	readEvent(t, scanner, "connected")
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	for scanner.Scan() {
	}
	assert.Equal(t, 0, b.ClientCount())

	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBroadcastWithoutClients(t *testing.T) {
	b := NewBroadcaster(nil)
	for i := 0; i < cap(b.events)+5; i++ {
		b.Broadcast(Event{Event: "dataset"})
	}
	assert.Len(t, b.events, cap(b.events))
}
