package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	defaultGeminiModel   = "gemini-2.5-flash-lite"
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

const promptTemplate = `You are a B2B lead classifier for Minute.ly, a video AI company.

Analyze this LinkedIn profile and classify the person into exactly ONE category.

CATEGORIES:
- "Sports": Works in sports broadcasting, sports media, sports leagues, sports streaming, or sports content production. Examples: ESPN, NFL, NBA, Sky Sports, DAZN, sports federations.
- "News": Works in news broadcasting, news publishing, digital news media, or general-purpose media/publishing. Examples: CNN, BBC, Reuters, The Guardian, local TV news stations.
- "Entertainment": Works in entertainment media, OTT platforms, film/TV production, or general media that doesn't fit Sports or News. Examples: Netflix, Disney, Warner Bros.
- "Unknown": Cannot determine industry OR the person does not work in media/broadcasting.

PROFILE DATA:
Name: %s
About: %s
Experience: %s

RESPOND WITH EXACTLY ONE WORD: Sports, News, Entertainment, or Unknown.
Do not include any other text, explanation, or punctuation.`

// Gemini classifies via the generateContent REST endpoint.
type Gemini struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewGemini(apiKey string) *Gemini {
	return &Gemini{
		apiKey:  apiKey,
		model:   defaultGeminiModel,
		baseURL: defaultGeminiBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SetBaseURL overrides the API endpoint, used by tests.
func (g *Gemini) SetBaseURL(u string) { g.baseURL = strings.TrimRight(u, "/") }

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (g *Gemini) Classify(ctx context.Context, about, experience, name string) string {
	if about == "" {
		about = "(not available)"
	}
	if experience == "" {
		experience = "(not available)"
	}
	prompt := fmt.Sprintf(promptTemplate, name, about, experience)

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return IndustryUnknown
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return IndustryUnknown
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		log.Printf("classify: gemini request failed for %s: %v", name, err)
		return IndustryUnknown
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("classify: gemini returned %d for %s", resp.StatusCode, name)
		return IndustryUnknown
	}

	var decoded geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		log.Printf("classify: gemini decode failed for %s: %v", name, err)
		return IndustryUnknown
	}
	if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
		return IndustryUnknown
	}

	result := strings.TrimSpace(decoded.Candidates[0].Content.Parts[0].Text)
	result = strings.Trim(result, `"'`)
	if bucket, ok := allowed[strings.ToLower(result)]; ok {
		return bucket
	}
	log.Printf("classify: unexpected gemini answer %q for %s, defaulting to Unknown", result, name)
	return IndustryUnknown
}
