package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voicetype/voicetype/internal/audio"
)

// RemoteBackend posts WAV-encoded chunks to an HTTP inference endpoint as
// multipart/form-data and normalizes the two response shapes such endpoints
// return: a whole-utterance object {"text": ...} or a segment array
// [{"text", "start", "end"}, ...].
type RemoteBackend struct {
	endpoint   string
	apiKey     string
	sampleRate int
	httpClient *http.Client
	log        *logrus.Entry
}

// NewRemoteBackend creates a backend for the given inference endpoint.
// apiKey may be empty for anonymous access.
func NewRemoteBackend(endpoint, apiKey string, sampleRate int) *RemoteBackend {
	return &RemoteBackend{
		endpoint:   endpoint,
		apiKey:     apiKey,
		sampleRate: sampleRate,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logrus.WithField("backend", "remote"),
	}
}

// Transcribe encodes the chunk as WAV and uploads it.
func (b *RemoteBackend) Transcribe(ctx context.Context, samples []float32, opts Options) (*Result, error) {
	wavData, err := audio.EncodeWAV(samples, b.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("remote: encode wav: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("remote: create form file: %w", err)
	}
	if _, err := fw.Write(wavData); err != nil {
		return nil, fmt.Errorf("remote: write wav data: %w", err)
	}
	if opts.Language != "" {
		if err := mw.WriteField("language", opts.Language); err != nil {
			return nil, fmt.Errorf("remote: write language field: %w", err)
		}
	}
	if opts.Prompt != "" {
		if err := mw.WriteField("initial_prompt", opts.Prompt); err != nil {
			return nil, fmt.Errorf("remote: write prompt field: %w", err)
		}
	}
	if err := mw.WriteField("beam_size", fmt.Sprintf("%d", opts.BeamSize())); err != nil {
		return nil, fmt.Errorf("remote: write beam_size field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("remote: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("remote: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	result, err := NormalizeResponse(data)
	if err != nil {
		return nil, err
	}

	b.log.WithFields(logrus.Fields{
		"segments": len(result.Segments),
		"language": result.Language,
	}).Debug("Remote transcription complete")
	return result, nil
}

// wholeResponse is the single-utterance response shape.
type wholeResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// segmentResponse is one element of the segmented response shape.
type segmentResponse struct {
	Text     string   `json:"text"`
	Start    *float64 `json:"start"`
	End      *float64 `json:"end"`
	Language string   `json:"language"`
}

// NormalizeResponse maps both inference response shapes onto a Result.
// Unknown start/end default to 0.0 and unknown language to the fallback
// code.
func NormalizeResponse(data []byte) (*Result, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("remote: empty response body")
	}

	if trimmed[0] == '[' {
		var items []segmentResponse
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("remote: parse segmented response: %w", err)
		}
		result := &Result{Language: FallbackLanguage, Confidence: 1.0}
		for _, item := range items {
			seg := Segment{Text: item.Text}
			if item.Start != nil {
				seg.Start = *item.Start
			}
			if item.End != nil {
				seg.End = *item.End
			}
			result.Segments = append(result.Segments, seg)
		}
		if len(items) > 0 && items[0].Language != "" {
			result.Language = items[0].Language
		}
		return result, nil
	}

	var whole wholeResponse
	if err := json.Unmarshal(trimmed, &whole); err != nil {
		return nil, fmt.Errorf("remote: parse response: %w", err)
	}
	result := &Result{Language: FallbackLanguage, Confidence: 1.0}
	if whole.Language != "" {
		result.Language = whole.Language
	}
	if whole.Text != "" {
		result.Segments = []Segment{{Text: whole.Text}}
	}
	return result, nil
}

// Close is a no-op; the HTTP client holds no persistent resources.
func (b *RemoteBackend) Close() error {
	return nil
}
