package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/routing"
	"github.com/modelgate/modelgate/internal/infrastructure/sse"
	"github.com/modelgate/modelgate/internal/infrastructure/upstream"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

const apiVersion = "2023-06-01"

func init() {
	upstream.RegisterCodec(&Codec{})
}

// Codec speaks the native Anthropic /v1/messages wire format. The canonical
// format is a near-match, so encoding is mostly a model swap and decoding a
// direct parse.
type Codec struct{}

var _ upstream.Codec = (*Codec)(nil)

func (c *Codec) Name() routing.ProviderType { return routing.ProviderAnthropic }

// EncodeRequest passes the canonical request through with the upstream
// model substituted and metadata reduced to the keys the API accepts.
func (c *Codec) EncodeRequest(req *entity.Request, entry *routing.PipelineEntry, stream bool) (*upstream.EncodedRequest, error) {
	wire := *req
	wire.Model = entry.UpstreamModel
	wire.Stream = stream
	wire.Metadata = filterMetadata(req.Metadata)

	body, err := json.Marshal(&wire)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindTransformFault, "encode anthropic request", err)
	}

	header := http.Header{}
	header.Set("anthropic-version", apiVersion)

	return &upstream.EncodedRequest{
		Path:   "/v1/messages",
		Body:   body,
		Header: header,
		Stream: stream,
	}, nil
}

// filterMetadata keeps only the metadata keys the upstream accepts.
func filterMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	if v, ok := md["user_id"]; ok {
		return map[string]any{"user_id": v}
	}
	return nil
}

func (c *Codec) DecodeResponse(body []byte, _ *routing.PipelineEntry) (*entity.Response, error) {
	var resp entity.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindBackendTransient, "malformed anthropic response", err)
	}
	if resp.Role == "" {
		resp.Role = entity.RoleAssistant
	}
	if resp.Type == "" {
		resp.Type = "message"
	}
	return &resp, nil
}

// streamEvent is the permissive parse shape for one upstream SSE frame.
type streamEvent struct {
	Type         string               `json:"type"`
	Index        int                  `json:"index"`
	Message      *entity.Response     `json:"message"`
	ContentBlock *entity.ContentBlock `json:"content_block"`
	Delta        *entity.Delta        `json:"delta"`
	Usage        *entity.Usage        `json:"usage"`
	Error        *wireError           `json:"error"`
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// DecodeStream forwards the upstream's event sequence, which is already
// canonical. Unknown event types are skipped; a mid-stream error event
// terminates the decode as a backend failure.
func (c *Codec) DecodeStream(ctx context.Context, r io.Reader, emit upstream.EmitFunc) error {
	scanner := sse.NewScanner(r, 0)

	for {
		select {
		case <-ctx.Done():
			return gwerrors.Wrap(gwerrors.KindCanceled, "stream canceled", ctx.Err())
		default:
		}

		frame, err := scanner.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return gwerrors.Wrap(gwerrors.KindBackendTransient, "anthropic stream read", err)
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
			continue // skip unparseable frames, same policy as non-stream providers
		}

		switch ev.Type {
		case entity.EventMessageStart:
			if ev.Message == nil {
				continue
			}
			if err := emit(entity.MessageStart(ev.Message)); err != nil {
				return err
			}
		case entity.EventContentBlockStart:
			if ev.ContentBlock == nil {
				continue
			}
			if err := emit(entity.StreamEvent{Type: ev.Type, Index: ev.Index, ContentBlock: ev.ContentBlock}); err != nil {
				return err
			}
		case entity.EventContentBlockDelta:
			if ev.Delta == nil {
				continue
			}
			if err := emit(entity.StreamEvent{Type: ev.Type, Index: ev.Index, Delta: ev.Delta}); err != nil {
				return err
			}
		case entity.EventContentBlockStop:
			if err := emit(entity.BlockStop(ev.Index)); err != nil {
				return err
			}
		case entity.EventMessageDelta:
			if err := emit(entity.StreamEvent{Type: ev.Type, Delta: ev.Delta, Usage: ev.Usage}); err != nil {
				return err
			}
		case entity.EventMessageStop:
			return emit(entity.MessageStop())
		case entity.EventPing:
			// heartbeat, not forwarded
		case "error":
			msg := "upstream stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			return gwerrors.Newf(gwerrors.KindBackendTransient, "anthropic stream error: %s", msg)
		}
	}
}
