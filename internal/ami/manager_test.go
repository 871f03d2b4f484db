package ami

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/softphone-core/pkg/errors"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

// fakeAsterisk accepts one connection, logs it in and answers every action.
func fakeAsterisk(t *testing.T, secret string) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		fmt.Fprint(conn, "Asterisk Call Manager/7.0.3\r\n")

		for {
			req, err := ReadEvent(r)
			if err != nil {
				return
			}
			switch req["Action"] {
			case "Login":
				if req["Secret"] != secret {
					fmt.Fprint(conn, "Response: Error\r\nMessage: Authentication failed\r\n\r\n")
					continue
				}
				fmt.Fprint(conn, "Response: Success\r\nMessage: Authentication accepted\r\n\r\n")
			case "Ping":
				fmt.Fprintf(conn, "Response: Success\r\nActionID: %s\r\nPing: Pong\r\n\r\n", req["ActionID"])
			default:
				fmt.Fprintf(conn, "Response: Success\r\nActionID: %s\r\nMessage: %s queued\r\n\r\n", req["ActionID"], req["Action"])
				fmt.Fprintf(conn, "Event: Newstate\r\nUniqueid: u-1\r\nChannelStateDesc: Ringing\r\n\r\n")
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestManagerLoginAndActions(t *testing.T) {
	logger.Discard()
	host, port := fakeAsterisk(t, "s3cret")

	m := NewManager(Config{Host: host, Port: port, Username: "softphone", Password: "s3cret", ActionTimeout: time.Second})
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	require.True(t, m.IsLoggedIn())
	require.True(t, <-m.StateChannel())

	resp, err := m.SendAction(context.Background(), Action{Action: "Ping"})
	require.NoError(t, err)
	require.Equal(t, "Pong", resp["Ping"])

	resp, err = m.SendAction(context.Background(), Action{Action: "Hangup", Fields: map[string]string{"Channel": "PJSIP/1001-1"}})
	require.NoError(t, err)
	require.Equal(t, "Hangup queued", resp["Message"])

	select {
	case ev := <-m.EventChannel():
		require.Equal(t, "Newstate", ev["Event"])
		require.Equal(t, "u-1", ev["Uniqueid"])
	case <-time.After(time.Second):
		t.Fatal("event not forwarded")
	}

	stats := m.GetStats()
	require.Equal(t, uint64(2), stats.TotalActions)
	require.Zero(t, stats.FailedActions)
	require.True(t, stats.LoggedIn)
}

func TestManagerLoginRejected(t *testing.T) {
	logger.Discard()
	host, port := fakeAsterisk(t, "s3cret")

	m := NewManager(Config{Host: host, Port: port, Username: "softphone", Password: "wrong", ActionTimeout: time.Second})
	defer m.Close()

	err := m.Connect(context.Background())
	require.True(t, errors.Is(err, errors.ErrAuthFailed))
	require.False(t, m.IsLoggedIn())
}

func TestSendActionWhenDisconnected(t *testing.T) {
	logger.Discard()
	m := NewManager(Config{Host: "127.0.0.1", Port: 1})
	defer m.Close()

	_, err := m.SendAction(context.Background(), Action{Action: "Ping"})
	require.True(t, errors.Is(err, errors.ErrEngineUnavailable))
}
