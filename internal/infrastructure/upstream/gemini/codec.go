package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/infrastructure/routing"
	"github.com/modelgate/modelgate/internal/infrastructure/sse"
	"github.com/modelgate/modelgate/internal/infrastructure/upstream"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

func init() {
	upstream.RegisterCodec(&Codec{})
}

// Codec speaks the Gemini generateContent wire format. Function responses
// are keyed by function name rather than call id, so decoding a tool result
// needs the id-to-name mapping recovered from earlier turns.
type Codec struct{}

var _ upstream.Codec = (*Codec)(nil)

func (c *Codec) Name() routing.ProviderType { return routing.ProviderGemini }

// --- Wire shapes ---

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Tools             []toolDecls       `json:"tools,omitempty"`
	ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"` // "user" | "model"
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *inlineData       `json:"inlineData,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type functionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type toolDecls struct {
	FunctionDeclarations []functionDecl `json:"functionDeclarations"`
}

type functionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type toolConfig struct {
	FunctionCallingConfig functionCallingConfig `json:"functionCallingConfig"`
}

type functionCallingConfig struct {
	Mode                 string   `json:"mode"` // AUTO | NONE | ANY
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type generateResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
}

type candidate struct {
	Content      *content `json:"content"`
	FinishReason string   `json:"finishReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

// --- Encode ---

func (c *Codec) EncodeRequest(req *entity.Request, entry *routing.PipelineEntry, stream bool) (*upstream.EncodedRequest, error) {
	wire := generateRequest{
		GenerationConfig: &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   req.StopSequences,
		},
	}

	if req.System != nil && !req.System.IsEmpty() {
		wire.SystemInstruction = &content{Parts: []part{{Text: req.System.PlainText()}}}
	}

	// tool_use id -> function name, for tool_result turns.
	callNames := map[string]string{}
	for i := range req.Messages {
		m := &req.Messages[i]
		ct, err := encodeContent(m, callNames)
		if err != nil {
			return nil, err
		}
		if len(ct.Parts) > 0 {
			wire.Contents = append(wire.Contents, ct)
		}
	}

	if len(req.Tools) > 0 {
		decls := toolDecls{}
		for _, t := range req.Tools {
			decls.FunctionDeclarations = append(decls.FunctionDeclarations, functionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
		wire.Tools = []toolDecls{decls}
	}
	wire.ToolConfig = encodeToolConfig(req.ToolChoice)

	body, err := json.Marshal(&wire)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindTransformFault, "encode gemini request", err)
	}

	verb := "generateContent"
	if stream {
		verb = "streamGenerateContent?alt=sse"
	}
	return &upstream.EncodedRequest{
		Path:   fmt.Sprintf("/v1beta/models/%s:%s", entry.UpstreamModel, verb),
		Body:   body,
		Stream: stream,
	}, nil
}

func encodeContent(m *entity.Message, callNames map[string]string) (content, error) {
	role := "user"
	if m.Role == entity.RoleAssistant {
		role = "model"
	}
	ct := content{Role: role}

	for _, b := range m.Content.AsBlocks() {
		switch b.Type {
		case entity.BlockText:
			ct.Parts = append(ct.Parts, part{Text: b.Text})
		case entity.BlockImage:
			media, _ := b.Source["media_type"].(string)
			data, _ := b.Source["data"].(string)
			ct.Parts = append(ct.Parts, part{InlineData: &inlineData{MimeType: media, Data: data}})
		case entity.BlockToolUse:
			callNames[b.ID] = b.Name
			ct.Parts = append(ct.Parts, part{FunctionCall: &functionCall{Name: b.Name, Args: b.Input}})
		case entity.BlockToolResult:
			name, ok := callNames[b.ToolUseID]
			if !ok {
				return content{}, gwerrors.Newf(gwerrors.KindTransformFault,
					"tool result %q has no matching function call", b.ToolUseID)
			}
			result := ""
			if b.Content != nil {
				result = b.Content.PlainText()
			}
			ct.Parts = append(ct.Parts, part{FunctionResponse: &functionResponse{
				Name:     name,
				Response: map[string]any{"result": result},
			}})
		}
	}
	return ct, nil
}

func encodeToolConfig(tc *entity.ToolChoice) *toolConfig {
	if tc == nil {
		return nil
	}
	cfg := functionCallingConfig{}
	switch tc.Type {
	case entity.ToolChoiceAuto:
		cfg.Mode = "AUTO"
	case entity.ToolChoiceNone:
		cfg.Mode = "NONE"
	case entity.ToolChoiceAny:
		cfg.Mode = "ANY"
	case entity.ToolChoiceTool:
		cfg.Mode = "ANY"
		cfg.AllowedFunctionNames = []string{tc.Name}
	default:
		return nil
	}
	return &toolConfig{FunctionCallingConfig: cfg}
}

// --- Decode ---

// mapFinishReason translates Gemini finish reasons. MAX_TOKENS is the only
// one with a distinct canonical value; safety stops map to stop_sequence.
func mapFinishReason(reason string, hasTools bool) string {
	switch reason {
	case "MAX_TOKENS":
		return entity.StopMaxTokens
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return entity.StopStopSequence
	default:
		if hasTools {
			return entity.StopToolUse
		}
		return entity.StopEndTurn
	}
}

func (c *Codec) DecodeResponse(body []byte, entry *routing.PipelineEntry) (*entity.Response, error) {
	var wire generateResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindBackendTransient, "malformed gemini response", err)
	}
	if len(wire.Candidates) == 0 {
		return nil, gwerrors.New(gwerrors.KindBackendTransient, "gemini response has no candidates")
	}

	model := wire.ModelVersion
	if model == "" {
		model = entry.UpstreamModel
	}
	resp := entity.NewResponse(model)

	cand := wire.Candidates[0]
	callSeq := 0
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				resp.Content = append(resp.Content, entity.ContentBlock{
					Type:  entity.BlockToolUse,
					ID:    fmt.Sprintf("call_%s_%d", p.FunctionCall.Name, callSeq),
					Name:  p.FunctionCall.Name,
					Input: orEmpty(p.FunctionCall.Args),
				})
				callSeq++
			case p.Text != "":
				resp.Content = append(resp.Content, entity.ContentBlock{Type: entity.BlockText, Text: p.Text})
			}
		}
	}

	resp.StopReason = mapFinishReason(cand.FinishReason, callSeq > 0)
	if wire.UsageMetadata != nil {
		resp.Usage = entity.Usage{
			InputTokens:  wire.UsageMetadata.PromptTokenCount,
			OutputTokens: wire.UsageMetadata.CandidatesTokenCount,
		}
	}
	return resp, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// DecodeStream reads the alt=sse chunk stream. Each chunk is a full
// generateResponse; text arrives incrementally but function calls arrive
// whole, so each one becomes a complete start/delta/stop triple.
func (c *Codec) DecodeStream(ctx context.Context, r io.Reader, emit upstream.EmitFunc) error {
	scanner := sse.NewScanner(r, 0)

	started := false
	textOpen := false
	nextIndex := 0
	textIndex := 0
	callSeq := 0
	finish := ""
	sawCall := false
	var usage *entity.Usage

	for {
		select {
		case <-ctx.Done():
			return gwerrors.Wrap(gwerrors.KindCanceled, "stream canceled", ctx.Err())
		default:
		}

		frame, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return gwerrors.Wrap(gwerrors.KindBackendTransient, "gemini stream read", err)
		}

		var chunk generateResponse
		if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
			continue
		}

		if !started {
			started = true
			if err := emit(entity.MessageStart(entity.NewResponse(chunk.ModelVersion))); err != nil {
				return err
			}
		}
		if chunk.UsageMetadata != nil {
			usage = &entity.Usage{
				InputTokens:  chunk.UsageMetadata.PromptTokenCount,
				OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
			}
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		cand := chunk.Candidates[0]
		if cand.FinishReason != "" {
			finish = cand.FinishReason
		}
		if cand.Content == nil {
			continue
		}

		for _, p := range cand.Content.Parts {
			switch {
			case p.Text != "":
				if !textOpen {
					textIndex = nextIndex
					nextIndex++
					textOpen = true
					if err := emit(entity.TextBlockStart(textIndex)); err != nil {
						return err
					}
				}
				if err := emit(entity.TextDelta(textIndex, p.Text)); err != nil {
					return err
				}
			case p.FunctionCall != nil:
				if textOpen {
					if err := emit(entity.BlockStop(textIndex)); err != nil {
						return err
					}
					textOpen = false
				}
				sawCall = true
				idx := nextIndex
				nextIndex++
				id := fmt.Sprintf("call_%s_%d", p.FunctionCall.Name, callSeq)
				callSeq++
				args, err := json.Marshal(orEmpty(p.FunctionCall.Args))
				if err != nil {
					args = []byte("{}")
				}
				if err := emit(entity.ToolUseBlockStart(idx, id, p.FunctionCall.Name)); err != nil {
					return err
				}
				if err := emit(entity.InputJSONDelta(idx, string(args))); err != nil {
					return err
				}
				if err := emit(entity.BlockStop(idx)); err != nil {
					return err
				}
			}
		}
	}

	if !started {
		if err := emit(entity.MessageStart(entity.NewResponse(""))); err != nil {
			return err
		}
	}
	if textOpen {
		if err := emit(entity.BlockStop(textIndex)); err != nil {
			return err
		}
	}
	if err := emit(entity.MessageDeltaEvent(mapFinishReason(finish, sawCall), usage)); err != nil {
		return err
	}
	return emit(entity.MessageStop())
}
