// Package images implements C11: the image generation and edit
// endpoints. Both fan a single request out into n parallel
// candidateCount=1 upstream calls (the backend rejects candidateCount
// above 1) using one AccountTicket, then fold the per-task results
// into one OpenAI-shaped response (spec.md §4.11).
package images

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yansir/cc-relayer/internal/account"
	"github.com/yansir/cc-relayer/internal/canon"
	"github.com/yansir/cc-relayer/internal/reqconfig"
	"github.com/yansir/cc-relayer/internal/tokenmanager"
	"github.com/yansir/cc-relayer/internal/translate"
	"github.com/yansir/cc-relayer/internal/upstream"
)

const defaultImageModel = "gemini-3-pro-image"

// Handler serves the two image endpoints. It depends on the same
// TokenSource/Caller interfaces as the orchestrator (C10) — image
// fan-out is a second, simpler consumer of C5/C7, not a third
// implementation of them.
type Handler struct {
	tokens tokenmanager.TokenSource
	caller upstream.Caller
}

func New(tokens tokenmanager.TokenSource, caller upstream.Caller) *Handler {
	return &Handler{tokens: tokens, caller: caller}
}

// result is the outcome of one of the n parallel upstream calls.
type result struct {
	image map[string]any
	err   error
}

// Generate serves POST /v1/images/generations (JSON body).
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return
	}
	defer r.Body.Close()

	prompt, _ := body["prompt"].(string)
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "Missing 'prompt' field")
		return
	}

	model, _ := body["model"].(string)
	if model == "" {
		model = defaultImageModel
	}
	n := intField(body, "n", 1)
	size, _ := body["size"].(string)
	if size == "" {
		size = "1024x1024"
	}
	responseFormat, _ := body["response_format"].(string)
	if responseFormat == "" {
		responseFormat = "b64_json"
	}
	quality, _ := body["quality"].(string)
	if quality == "" {
		quality = "standard"
	}
	style, _ := body["style"].(string)
	if style == "" {
		style = "vivid"
	}

	finalPrompt := enhancePrompt(prompt, quality, style)
	imgCfg := reqconfig.ParseImageConfig(size, quality)

	h.run(w, r.Context(), defaultImageModel, finalPrompt, nil, n, responseFormat, imgCfg)
}

// Edit serves POST /v1/images/edits (multipart/form-data). Per
// spec.md §9b, the named "image"/"mask" fields and any image1..N
// reference fields are checked in that fixed order, matching the
// original handler's behavior exactly: the generic "imageN" fallback
// never shadows the main fields even though its prefix match would
// otherwise also catch them.
func (h *Handler) Edit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "Multipart error: "+err.Error())
		return
	}

	prompt := formValue(r, "prompt")
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "Missing prompt")
		return
	}

	model := formValue(r, "model")
	if model == "" {
		model = defaultImageModel
	}
	n, err := strconv.Atoi(formValue(r, "n"))
	if err != nil || n <= 0 {
		n = 1
	}
	size := formValue(r, "size")
	if size == "" {
		size = "1024x1024"
	}
	aspectRatio := formValue(r, "aspect_ratio")
	imageSizeParam := formValue(r, "image_size")
	style := formValue(r, "style")
	responseFormat := formValue(r, "response_format")
	if responseFormat == "" {
		responseFormat = "b64_json"
	}

	mainImage, err := readFormFile(r, "image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Image read error: "+err.Error())
		return
	}
	mask, err := readFormFile(r, "mask")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Mask read error: "+err.Error())
		return
	}
	refs, err := readReferenceImages(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Reference image read error: "+err.Error())
		return
	}

	sizeInput := size
	if aspectRatio != "" {
		sizeInput = aspectRatio
	}
	quality := qualityFromImageSize(imageSizeParam)
	imgCfg := reqconfig.ParseImageConfig(sizeInput, quality)

	finalPrompt := prompt
	if style != "" {
		finalPrompt = prompt + ", style: " + style
	}

	var blocks []canon.ContentBlock
	if mainImage != "" {
		blocks = append(blocks, canon.ContentBlock{Type: canon.ContentImageURL, ImageURL: dataURI("image/png", mainImage)})
	}
	if mask != "" {
		blocks = append(blocks, canon.ContentBlock{Type: canon.ContentImageURL, ImageURL: dataURI("image/png", mask)})
	}
	for _, ref := range refs {
		blocks = append(blocks, canon.ContentBlock{Type: canon.ContentImageURL, ImageURL: dataURI("image/jpeg", ref)})
	}

	h.run(w, r.Context(), model, finalPrompt, blocks, n, responseFormat, imgCfg)
}

// run fans finalPrompt (plus any reference-image blocks) out to n
// parallel candidateCount=1 calls on one acquired account, folds the
// results per spec.md §4.11's partial-success rule, and writes the
// OpenAI-shaped response.
func (h *Handler) run(w http.ResponseWriter, ctx context.Context, model, finalPrompt string, imageBlocks []canon.ContentBlock, n int, responseFormat string, imgCfg *canon.ImageConfig) {
	// n=0 is not special-cased: zero tasks means zero images and zero
	// errors, which falls into the same "no images generated" 502
	// branch below as an all-tasks-failed run would.
	ticket, err := h.tokens.GetToken(ctx, canon.RequestImageGen, false, "", "dall-e-3")
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("Token error: %v", err))
		return
	}

	acct, err := h.tokens.ResolveAccount(ctx, ticket.Email)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("Token error: %v", err))
		return
	}

	contentBlocks := append([]canon.ContentBlock{{Type: canon.ContentText, Text: finalPrompt}}, imageBlocks...)
	req := &canon.CanonicalChatRequest{
		Model: model,
		Messages: []canon.CanonicalMessage{
			{Role: canon.RoleUser, Content: contentBlocks},
		},
	}
	cfg := canon.RequestConfig{RequestType: canon.RequestImageGen, ImageConfig: imgCfg}

	results := make([]result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.callOne(ctx, acct, req, cfg, model, ticket.ProjectID, ticket.AccessToken, responseFormat)
		}(i)
	}
	wg.Wait()

	var images []map[string]any
	var errs []string
	for i, res := range results {
		if res.err != nil {
			slog.Error("image task failed", "task", i, "error", res.err)
			errs = append(errs, res.err.Error())
			continue
		}
		if res.image != nil {
			images = append(images, res.image)
		}
	}

	if len(images) == 0 {
		msg := "No images generated"
		if len(errs) > 0 {
			msg = strings.Join(errs, "; ")
		}
		slog.Error("images: all tasks failed", "n", n, "error", msg)
		writeError(w, http.StatusBadGateway, msg)
		return
	}
	if len(errs) > 0 {
		slog.Warn("images: partial success", "succeeded", len(images), "requested", n, "errors", strings.Join(errs, "; "))
	}

	w.Header().Set("X-Mapped-Model", model)
	w.Header().Set("X-Account-Email", ticket.Email)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"created": time.Now().Unix(),
		"data":    images,
	})
}

func (h *Handler) callOne(ctx context.Context, acct *account.Account, req *canon.CanonicalChatRequest, cfg canon.RequestConfig, model, projectID, accessToken, responseFormat string) result {
	geminiBody := translate.ToGeminiBody(req, cfg, projectID, model, "img-"+uuid.New().String())

	resp, err := h.caller.Call(ctx, acct, "generateContent", accessToken, geminiBody, "")
	if err != nil {
		return result{err: fmt.Errorf("network error: %w", err)}
	}
	if resp.StatusCode >= 400 {
		text, _ := resp.Text()
		return result{err: fmt.Errorf("upstream error %d: %s", resp.StatusCode, text)}
	}

	var parsed map[string]any
	if err := resp.JSON(&parsed); err != nil {
		return result{err: fmt.Errorf("parse error: %w", err)}
	}

	img, ok := extractImage(parsed, responseFormat)
	if !ok {
		return result{err: errors.New("no image data in response")}
	}
	return result{image: img}
}

// extractImage pulls the first inlineData part out of a Gemini
// generateContent response, accepting both the root and
// response-wrapped shapes (spec.md §6).
func extractImage(parsed map[string]any, responseFormat string) (map[string]any, bool) {
	raw := parsed
	if wrapped, ok := parsed["response"].(map[string]any); ok {
		raw = wrapped
	}
	candidates, _ := raw["candidates"].([]any)
	if len(candidates) == 0 {
		return nil, false
	}
	cand, _ := candidates[0].(map[string]any)
	content, _ := cand["content"].(map[string]any)
	parts, _ := content["parts"].([]any)
	for _, p := range parts {
		part, ok := p.(map[string]any)
		if !ok {
			continue
		}
		inline, ok := part["inlineData"].(map[string]any)
		if !ok {
			continue
		}
		data, _ := inline["data"].(string)
		if data == "" {
			continue
		}
		if responseFormat == "url" {
			mime, _ := inline["mimeType"].(string)
			if mime == "" {
				mime = "image/png"
			}
			return map[string]any{"url": dataURI(mime, data)}, true
		}
		return map[string]any{"b64_json": data}, true
	}
	return nil, false
}

func enhancePrompt(prompt, quality, style string) string {
	out := prompt
	if quality == "hd" {
		out += ", (high quality, highly detailed, 4k resolution, hdr)"
	}
	switch style {
	case "vivid":
		out += ", (vivid colors, dramatic lighting, rich details)"
	case "natural":
		out += ", (natural lighting, realistic, photorealistic)"
	}
	return out
}

// qualityFromImageSize maps the edit endpoint's image_size param onto
// the same quality vocabulary ParseImageConfig expects (spec.md §4.11:
// "4K"->"hd", "2K"->"medium"); an unset or unrecognized value falls
// through to ParseImageConfig's own "standard" default.
func qualityFromImageSize(imageSize string) string {
	switch imageSize {
	case "4K":
		return "hd"
	case "2K":
		return "medium"
	default:
		return ""
	}
}

func dataURI(mime, b64Data string) string {
	return "data:" + mime + ";base64," + b64Data
}

func intField(body map[string]any, key string, def int) int {
	v, ok := body[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

func formValue(r *http.Request, key string) string {
	if r.MultipartForm == nil {
		return ""
	}
	if vs, ok := r.MultipartForm.Value[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// readFormFile reads a single named file field and returns it
// base64-encoded, or "" if the field was not submitted.
func readFormFile(r *http.Request, field string) (string, error) {
	file, _, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// readReferenceImages reads every "imageN" file field (image1,
// image2, ...), excluding the reserved "image", "image_size" and
// "mask" field names. Fields are visited in map order, so the result
// does not follow submission order.
func readReferenceImages(r *http.Request) ([]string, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	var out []string
	for name, headers := range r.MultipartForm.File {
		if name == "image" || name == "image_size" || name == "mask" || !strings.HasPrefix(name, "image") {
			continue
		}
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, err
			}
			out = append(out, base64.StdEncoding.EncodeToString(data))
		}
	}
	return out, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": msg},
	})
}
