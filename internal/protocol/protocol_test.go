package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSimpleRequests(t *testing.T) {
	in := "GET api_token\r\nDEL api_token\nLIST\nPING\nTTL k\nQUIT\n"
	r := NewReader(strings.NewReader(in), 1024)

	req, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Get, req.Verb)
	assert.Equal(t, "api_token", req.Key)

	req, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, Del, req.Verb)

	req, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, List, req.Verb)

	req, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, Ping, req.Verb)

	req, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, TTL, req.Verb)
	assert.Equal(t, "k", req.Key)

	req, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, Quit, req.Verb)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadPutWithPayload(t *testing.T) {
	in := "PUT api_token 30s 6\nabc123GET api_token\n"
	r := NewReader(strings.NewReader(in), 1024)

	req, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Put, req.Verb)
	assert.Equal(t, "api_token", req.Key)
	assert.Equal(t, "30s", req.TTL)
	assert.Equal(t, []byte("abc123"), req.Payload)

	req, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, Get, req.Verb)
}

func TestReadPutOversizeIsDiscardedAndFlagged(t *testing.T) {
	payload := strings.Repeat("x", 2048)
	in := "PUT k 30s 2048\n" + payload + "PING\n"
	r := NewReader(strings.NewReader(in), 1024)

	_, err := r.Next()
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, TooLarge, perr.Kind)

	// Framing must be preserved: the next request parses cleanly.
	req, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Ping, req.Verb)
}

func TestReadUnknownVerbIsBadRequest(t *testing.T) {
	r := NewReader(strings.NewReader("BOGUS x\n"), 1024)
	_, err := r.Next()

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, BadRequest, perr.Kind)
	assert.True(t, perr.Kind.Fatal())
}

func TestReadLineTooLongIsBadRequest(t *testing.T) {
	in := strings.Repeat("a", MaxLineBytes+10) + "\n"
	r := NewReader(strings.NewReader(in), 1024)
	_, err := r.Next()

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, BadRequest, perr.Kind)
}

func TestReadMalformedPutLength(t *testing.T) {
	r := NewReader(strings.NewReader("PUT k 30s notanumber\n"), 1024)
	_, err := r.Next()

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, BadRequest, perr.Kind)
}

func TestReadEmptyStreamIsEOF(t *testing.T) {
	r := NewReader(strings.NewReader(""), 1024)
	_, err := r.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestWriteResponses(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteOK(&buf))
	require.NoError(t, WriteOKNum(&buf, 29))
	require.NoError(t, WriteValue(&buf, []byte("abc123")))
	require.NoError(t, WriteList(&buf, []ListItem{{Key: "a", Seconds: 10}, {Key: "b", Seconds: 20}}))
	require.NoError(t, WriteErr(&buf, NotFound, ""))
	require.NoError(t, WriteErr(&buf, Forbidden, "uid rejected"))

	want := "OK\n" +
		"OK 29\n" +
		"VALUE 6\nabc123" +
		"LIST\na 10\nb 20\nEND\n" +
		"ERR not_found\n" +
		"ERR forbidden uid rejected\n"
	assert.Equal(t, want, buf.String())
}

func TestWriteErrSanitizesEmbeddedNewlines(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteErr(&buf, Internal, "bad\nthing\r\nhappened"))
	assert.Equal(t, "ERR internal bad thing  happened\n", buf.String())
}

// TestFramingRobustness exercises framing robustness: arbitrary byte
// streams either parse to a valid sequence or terminate with a
// bad_request *Error (or a clean EOF); the reader never hangs or panics.
func TestFramingRobustness(t *testing.T) {
	inputs := []string{
		"\n",
		"   \n",
		"PUT\n",
		"PUT k\n",
		"PUT k ttl\n",
		"PUT k ttl -5\n",
		"GET\n",
		"GET a b\n",
		"\x00\x01\x02\n",
	}

	for _, in := range inputs {
		r := NewReader(strings.NewReader(in), 1024)
		_, err := r.Next()
		if err == nil {
			continue
		}
		var perr *Error
		if errors.As(err, &perr) {
			continue
		}
		assert.True(t, errors.Is(err, io.EOF), "unexpected error for %q: %v", in, err)
	}
}
