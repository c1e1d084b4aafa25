package upstream

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/routing"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

// EncodedRequest is the upstream wire form of one canonical request.
type EncodedRequest struct {
	// Path is appended to the pipeline's endpoint base URL. It may carry
	// a query string (Gemini's :streamGenerateContent?alt=sse).
	Path string

	// Body is the serialized request payload.
	Body []byte

	// Header carries provider-specific headers (anthropic-version etc.);
	// auth headers come from the credential, not the codec.
	Header http.Header

	// Stream records whether the encoded call expects a streamed reply.
	Stream bool
}

// EmitFunc receives canonical stream events as a decoder produces them.
// Returning an error stops the decode; decoders must propagate it.
type EmitFunc func(ev entity.StreamEvent) error

// Codec converts between the canonical format and one upstream wire format.
// Codecs are stateless with respect to the request: one instance serves all
// pipelines of its provider type.
type Codec interface {
	// Name returns the provider type the codec serves.
	Name() routing.ProviderType

	// EncodeRequest turns a canonical request into the upstream wire form.
	// The canonical request has already been through validation and the
	// server-compatibility stage; max_tokens is already clamped.
	EncodeRequest(req *entity.Request, entry *routing.PipelineEntry, stream bool) (*EncodedRequest, error)

	// DecodeResponse parses a complete upstream body into the canonical
	// response. A parse failure is a backend failure, not a client one.
	DecodeResponse(body []byte, entry *routing.PipelineEntry) (*entity.Response, error)

	// DecodeStream reads the upstream byte stream and emits the canonical
	// event sequence. It returns once the stream terminates, the context
	// is canceled, or emit returns an error.
	DecodeStream(ctx context.Context, r io.Reader, emit EmitFunc) error
}

// --- Codec registry ---
// Codec packages register themselves via init(), mirroring the provider
// factory pattern: adding a provider type = implement Codec + RegisterCodec.

var (
	codecMu sync.RWMutex
	codecs  = map[routing.ProviderType]Codec{}
)

// RegisterCodec installs a codec for a provider type. Called from init() in
// each codec sub-package.
func RegisterCodec(c Codec) {
	codecMu.Lock()
	defer codecMu.Unlock()
	codecs[c.Name()] = c
}

// ForEntry resolves the codec for a pipeline entry.
func ForEntry(entry *routing.PipelineEntry) (Codec, error) {
	codecMu.RLock()
	defer codecMu.RUnlock()
	c, ok := codecs[entry.ProviderType]
	if !ok {
		return nil, gwerrors.Newf(gwerrors.KindTransformFault, "no codec registered for provider type %q", entry.ProviderType)
	}
	return c, nil
}

// MapFinishReason translates an OpenAI-style finish_reason to the canonical
// stop reason. Unknown values collapse to end_turn.
func MapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return entity.StopEndTurn
	case "length":
		return entity.StopMaxTokens
	case "tool_calls", "function_call":
		return entity.StopToolUse
	case "content_filter":
		return entity.StopStopSequence
	case "":
		return ""
	default:
		return entity.StopEndTurn
	}
}
