// Package reqconfig implements the request config resolver (C4):
// deriving a RequestType from the resolved model and tool list, and
// parsing the image-specific size/quality hints into an ImageConfig.
package reqconfig

import "strings"

import "github.com/yansir/cc-relayer/internal/canon"

// Resolve derives canon.RequestConfig from the client model, the
// mapped upstream model, and the request's tool list. First match
// wins, in the order: image family, web search tool, code-assist
// family, else chat.
func Resolve(clientModel, mappedModel string, tools []any) canon.RequestConfig {
	rt := resolveType(mappedModel, tools)
	cfg := canon.RequestConfig{RequestType: rt}
	return cfg
}

func resolveType(mappedModel string, tools []any) canon.RequestType {
	if isImageFamily(mappedModel) {
		return canon.RequestImageGen
	}
	if hasWebSearchTool(tools) {
		return canon.RequestWebSearch
	}
	if isCodeAssistFamily(mappedModel) {
		return canon.RequestCodeAssist
	}
	return canon.RequestChat
}

func isImageFamily(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "image")
}

func isCodeAssistFamily(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "code-assist") || strings.Contains(lower, "code_assist")
}

func hasWebSearchTool(tools []any) bool {
	for _, t := range tools {
		m, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if typ, _ := m["type"].(string); strings.Contains(strings.ToLower(typ), "web_search") {
			return true
		}
		if fn, ok := m["function"].(map[string]any); ok {
			if name, _ := fn["name"].(string); strings.Contains(strings.ToLower(name), "web_search") {
				return true
			}
		}
		if name, _ := m["name"].(string); strings.Contains(strings.ToLower(name), "web_search") {
			return true
		}
	}
	return false
}

// aspectRatios maps a client-supplied size string to an upstream
// aspect ratio. Both "WxH" pixel strings and "W:H" ratio strings are
// accepted; anything unrecognized falls back to "1:1".
var aspectRatios = map[string]string{
	"1024x1024": "1:1",
	"1024x1792": "9:16",
	"1792x1024": "16:9",
	"1536x1024": "3:2",
	"1024x1536": "2:3",
	"1:1":       "1:1",
	"16:9":      "16:9",
	"9:16":      "9:16",
	"4:3":       "4:3",
	"3:4":       "3:4",
	"3:2":       "3:2",
	"2:3":       "2:3",
}

// imageSizeTiers maps a quality hint to the upstream image-size tier.
var imageSizeTiers = map[string]string{
	"standard": "1K",
	"medium":   "2K",
	"hd":       "4K",
}

// ParseImageConfig resolves {aspect_ratio, image_size} from a
// client-supplied size string and quality string. Unknown values fall
// back to "1:1" / "1K".
func ParseImageConfig(size, quality string) *canon.ImageConfig {
	ar, ok := aspectRatios[strings.ToLower(strings.TrimSpace(size))]
	if !ok {
		ar = "1:1"
	}
	sz, ok := imageSizeTiers[strings.ToLower(strings.TrimSpace(quality))]
	if !ok {
		sz = "1K"
	}
	return &canon.ImageConfig{AspectRatio: ar, ImageSize: sz}
}
