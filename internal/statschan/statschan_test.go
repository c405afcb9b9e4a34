package statschan

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"tork-perf/internal/failure"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	rec, err := ParseBytes("X\t100\t50\t10\t5\t2\t1\n")
	require.NoError(t, err)
	assert.Equal(t, BytesRecord{DataRx: 100, DataTx: 50, CoverRx: 10, CoverTx: 5, OtherRx: 2, OtherTx: 1}, rec)
}

func TestParseBytesRejectsMalformed(t *testing.T) {
	for _, line := range []string{
		"X\t100\t50\t10\t5\t2\n",
		"X\t100\t50\t10\t5\t2\t1\t9\n",
		"X\t100\tabc\t10\t5\t2\t1\n",
		"",
	} {
		_, err := ParseBytes(line)
		require.Error(t, err, "line %q", line)
		assert.Equal(t, failure.KindProtocol, failure.KindOf(err))
	}
}

func TestParseFrames(t *testing.T) {
	text := "+----[ begin of statistical info ]\n" +
		"| Video decoding\n" +
		"|   frames displayed :   1432\n" +
		"|   frames lost      :      3\n" +
		"+----[ end of statistical info ]\n"
	fc, err := ParseFrames(text)
	require.NoError(t, err)
	assert.Equal(t, FrameCounters{Displayed: 1432, Lost: 3}, fc)
}

func TestParseFramesMissingCounter(t *testing.T) {
	_, err := ParseFrames("|   frames displayed : 10\n")
	assert.True(t, failure.Is(err, failure.KindProtocol))
}

// serve answers each request line with the output of respond, written in
// several fragments to exercise reassembly.
func serve(t *testing.T, banner string, respond func(req string) []string) string {
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
		if banner != "" {
			conn.Write([]byte(banner))
		}
		r := bufio.NewReader(conn)
		for {
			req, err := r.ReadString('\n')
			if err != nil {
				return
			}
			for _, frag := range respond(req) {
				conn.Write([]byte(frag))
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()
	return ln.Addr().String()
}

func TestLineClientQuery(t *testing.T) {
	addr := serve(t, "", func(req string) []string {
		if req != BytesRequest {
			return []string{"error\n"}
		}
		return []string{"X\t1", "00\t50\t10\t5\t2\t1\n"}
	})

	c, err := Dial(addr, time.Second, LineFraming{})
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 3; i++ {
		resp, err := c.Query(BytesRequest)
		require.NoError(t, err)
		rec, err := ParseBytes(resp)
		require.NoError(t, err)
		assert.Equal(t, int64(100), rec.DataRx)
	}
}

func TestPromptClientReassemblesFragments(t *testing.T) {
	addr := serve(t, "VLC media player\nCommand Line Interface initialized.\n> ", func(req string) []string {
		return []string{
			"|   frames displayed :   12\n",
			"|   frames lost      :    1\n",
			"> ",
		}
	})

	c, err := Dial(addr, time.Second, PromptFraming{Marker: '>'})
	require.NoError(t, err)
	defer c.Close()

	banner, err := c.Drain()
	require.NoError(t, err)
	assert.True(t, strings.Contains(banner, "initialized"))

	resp, err := c.Query(MediaRequest)
	require.NoError(t, err)
	fc, err := ParseFrames(resp)
	require.NoError(t, err)
	assert.Equal(t, FrameCounters{Displayed: 12, Lost: 1}, fc)
}

func TestQueryTimesOut(t *testing.T) {
	addr := serve(t, "", func(req string) []string { return nil })

	c, err := Dial(addr, 100*time.Millisecond, LineFraming{})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Query(BytesRequest)
	assert.Error(t, err)
}
