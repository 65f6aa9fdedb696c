package ipc

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFrame_SingleObjectWithoutNewline(t *testing.T) {
	msgs, residual, errs := Frame(nil, []byte(`{"type":"initialize_status","text":"joined"}`), DefaultMaxFrameBytes)

	require.Empty(t, errs)
	require.Empty(t, residual)
	require.Len(t, msgs, 1)

	status, ok := msgs[0].(InitializeStatus)
	require.True(t, ok, "expected InitializeStatus, got %T", msgs[0])
	require.Equal(t, "joined", status.Text)
	require.JSONEq(t, `{"type":"initialize_status","text":"joined"}`, string(status.Raw()))
}

func TestFrame_SingleObjectWithSurroundingWhitespace(t *testing.T) {
	msgs, residual, errs := Frame(nil, []byte("  \n{\"a\":1}\n\t"), DefaultMaxFrameBytes)

	require.Empty(t, errs)
	require.Empty(t, residual)
	require.Len(t, msgs, 1)
	require.Equal(t, `{"a":1}`, string(msgs[0].Raw()))
}

func TestFrame_NewlineDelimited(t *testing.T) {
	msgs, residual, errs := Frame(nil, []byte("{\"a\":1}\n{\"b\":2}\n"), DefaultMaxFrameBytes)

	require.Empty(t, errs)
	require.Empty(t, residual)
	require.Len(t, msgs, 2)
	require.Equal(t, `{"a":1}`, string(msgs[0].Raw()))
	require.Equal(t, `{"b":2}`, string(msgs[1].Raw()))
}

func TestFrame_MalformedLineIsolated(t *testing.T) {
	msgs, residual, errs := Frame(nil, []byte("{\"a\":1}\nNOTJSON\n{\"b\":2}\n"), DefaultMaxFrameBytes)

	require.Empty(t, residual)
	require.Len(t, msgs, 2)
	require.Equal(t, `{"a":1}`, string(msgs[0].Raw()))
	require.Equal(t, `{"b":2}`, string(msgs[1].Raw()))
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrMalformedMessage)
}

func TestFrame_PartialLineStaysBuffered(t *testing.T) {
	msgs, residual, errs := Frame(nil, []byte("{\"a\":1}\n{\"b\":"), DefaultMaxFrameBytes)

	require.Empty(t, errs)
	require.Len(t, msgs, 1)
	require.Equal(t, `{"b":`, string(residual))

	msgs, residual, errs = Frame(residual, []byte("2}\n"), DefaultMaxFrameBytes)
	require.Empty(t, errs)
	require.Empty(t, residual)
	require.Len(t, msgs, 1)
	require.Equal(t, `{"b":2}`, string(msgs[0].Raw()))
}

func TestFrame_WhitespaceOnly(t *testing.T) {
	for _, in := range []string{"", " ", "\n", "\n\n  \r\n", "\t"} {
		msgs, _, errs := Frame(nil, []byte(in), DefaultMaxFrameBytes)
		require.Empty(t, msgs, "input %q", in)
		require.Empty(t, errs, "input %q", in)
	}
}

func TestFrame_CRLFLines(t *testing.T) {
	msgs, residual, errs := Frame(nil, []byte("{\"a\":1}\r\n{\"b\":2}\r\n"), DefaultMaxFrameBytes)

	require.Empty(t, errs)
	require.Empty(t, residual)
	require.Len(t, msgs, 2)
	require.Equal(t, `{"b":2}`, string(msgs[1].Raw()))
}

func TestFrame_ConcatenatedObjectsWithoutNewline(t *testing.T) {
	msgs, residual, errs := Frame(nil, []byte(`{"a":1}{"b":2}`), DefaultMaxFrameBytes)

	require.Empty(t, msgs)
	require.Empty(t, errs)
	require.Equal(t, `{"a":1}{"b":2}`, string(residual))

	// Once terminated the pair is one bad line.
	msgs, residual, errs = Frame(residual, []byte("\n{\"c\":3}\n"), DefaultMaxFrameBytes)
	require.Empty(t, residual)
	require.Len(t, msgs, 1)
	require.Equal(t, `{"c":3}`, string(msgs[0].Raw()))
	require.Len(t, errs, 1)
}

func TestFrame_MistypedKnownMessageIsDelivered(t *testing.T) {
	for _, in := range []string{
		`{"type":"prompt_response","content":5}`,
		`{"type":"ping","timestamp":1.5}`,
		`{"type":"initialize_status","text":{"peers":3}}`,
	} {
		msgs, residual, errs := Frame(nil, []byte(in), DefaultMaxFrameBytes)
		require.Empty(t, errs, in)
		require.Empty(t, residual, in)
		require.Len(t, msgs, 1, in)
		require.IsType(t, Unknown{}, msgs[0], in)
		require.Equal(t, in, string(msgs[0].Raw()))
	}

	msgs, _, errs := Frame(nil, []byte("{\"type\":\"prompt_response\",\"content\":5}\n{\"type\":\"prompt_response\",\"content\":\"ok\"}\n"), DefaultMaxFrameBytes)
	require.Empty(t, errs)
	require.Len(t, msgs, 2)
	require.Equal(t, TypePromptResponse, msgs[0].Type())
	require.Equal(t, "ok", msgs[1].(PromptResponse).Content)
}

func TestFrame_SizeGuard(t *testing.T) {
	big := `{"text":"` + strings.Repeat("x", 64)

	msgs, residual, errs := Frame(nil, []byte(big), 32)

	require.Empty(t, msgs)
	require.Empty(t, residual)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrFrameTooLarge)
	require.ErrorIs(t, errs[0], ErrMalformedMessage)
}

func TestFrame_SizeGuardDisabled(t *testing.T) {
	big := `{"text":"` + strings.Repeat("x", 64)

	_, residual, errs := Frame(nil, []byte(big), 0)

	require.Empty(t, errs)
	require.Equal(t, big, string(residual))
}

func TestFrame_ResidualDoesNotAliasInput(t *testing.T) {
	data := []byte("{\"a\":1}\n{\"b\"")
	_, residual, _ := Frame(nil, data, DefaultMaxFrameBytes)

	data[len(data)-1] = 'X'
	require.Equal(t, `{"b"`, string(residual))
}

func TestDecoder_FeedAcrossChunks(t *testing.T) {
	dec := NewDecoder(DefaultMaxFrameBytes)

	msgs, errs := dec.Feed([]byte(`{"type":"prompt_response",`))
	require.Empty(t, msgs)
	require.Empty(t, errs)
	require.Equal(t, `{"type":"prompt_response",`, string(dec.Buffered()))

	msgs, errs = dec.Feed([]byte(`"content":"hi"}`))
	require.Empty(t, errs)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", msgs[0].(PromptResponse).Content)
	require.Empty(t, dec.Buffered())
}

func TestDecoder_Reset(t *testing.T) {
	dec := NewDecoder(0)
	dec.Feed([]byte(`{"partial":`))
	require.NotEmpty(t, dec.Buffered())

	dec.Reset()
	require.Empty(t, dec.Buffered())
}

// frameResult flattens Frame output for comparison.
type frameResult struct {
	types     []string
	raws      []string
	malformed int
}

func (r *frameResult) add(msgs []Message, errs []error) {
	for _, m := range msgs {
		r.types = append(r.types, m.Type())
		r.raws = append(r.raws, string(m.Raw()))
	}
	for _, err := range errs {
		if errors.Is(err, ErrMalformedMessage) {
			r.malformed++
		}
	}
}

func lineGen() *rapid.Generator[string] {
	object := rapid.Custom(func(t *rapid.T) string {
		fields := rapid.MapOfN(rapid.StringMatching(`[a-z]{1,6}`), rapid.StringMatching(`[a-z0-9 ]{0,8}`), 0, 4).Draw(t, "fields")
		obj := make(map[string]any, len(fields)+1)
		for k, v := range fields {
			obj[k] = v
		}
		if rapid.Bool().Draw(t, "typed") {
			obj["type"] = rapid.SampledFrom([]string{TypePromptResponse, TypeInitializeStatus, "peer_update"}).Draw(t, "type")
		}
		data, err := json.Marshal(obj)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return string(data)
	})
	return rapid.OneOf(
		object,
		object,
		rapid.StringMatching(`[A-Z]{1,10}`),
		rapid.Just(""),
	)
}

func TestFrame_SplitInvariance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lines := rapid.SliceOfN(lineGen(), 1, 8).Draw(t, "lines")
		stream := []byte(strings.Join(lines, "\n") + "\n")
		cut := rapid.IntRange(0, len(stream)).Draw(t, "cut")

		var whole frameResult
		msgs, residual, errs := Frame(nil, stream, 0)
		whole.add(msgs, errs)
		require.Empty(t, residual)

		var split frameResult
		msgs, residual, errs = Frame(nil, stream[:cut], 0)
		split.add(msgs, errs)
		msgs, residual, errs = Frame(residual, stream[cut:], 0)
		split.add(msgs, errs)
		require.Empty(t, residual)

		require.Equal(t, whole, split)
	})
}
