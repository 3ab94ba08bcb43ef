package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

const batchExecuteURL = "https://news.google.com/_/DotsSplashUi/data/batchexecute"

var errNoDecodingParams = errors.New("decoding params not found")

// BatchDecoder resolves article tokens through the aggregator's internal
// batchexecute endpoint: it scrapes the signature and timestamp attributes
// from the article shell page, then asks the endpoint for the publisher URL
// directly.
type BatchDecoder struct {
	client Fetcher
	gate   Gate
	logger *zap.Logger
}

// NewBatchDecoder builds a BatchDecoder.
func NewBatchDecoder(client Fetcher, gate Gate, logger *zap.Logger) *BatchDecoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchDecoder{client: client, gate: gate, logger: logger}
}

// Decode implements TokenDecoder. It returns an empty string when the URL
// does not carry a decodable token.
func (d *BatchDecoder) Decode(ctx context.Context, indirectURL string) (string, error) {
	if !strings.Contains(indirectURL, "news.google.com") {
		return "", nil
	}
	token := matchToken(indirectURL, readTokenPattern, articlesTokenPattern)
	if token == "" {
		return "", nil
	}

	signature, timestamp, err := d.fetchParams(ctx, token)
	if err != nil {
		return "", err
	}
	return d.callBatchExecute(ctx, token, signature, timestamp)
}

// fetchParams scrapes data-n-a-sg and data-n-a-ts from the article shell,
// falling back to the feed variant of the page.
func (d *BatchDecoder) fetchParams(ctx context.Context, token string) (string, string, error) {
	pages := []string{
		"https://news.google.com/articles/" + token,
		"https://news.google.com/rss/articles/" + token,
	}
	var lastErr error
	for _, pageURL := range pages {
		if err := d.gate.Wait(ctx, pageURL); err != nil {
			return "", "", err
		}
		resp, err := d.client.Get(ctx, pageURL)
		if err != nil {
			if abortErr := d.gate.RecordError(pageURL); abortErr != nil {
				return "", "", abortErr
			}
			lastErr = err
			continue
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			lastErr = err
			continue
		}
		div := doc.Find("c-wiz > div[jscontroller]").First()
		signature := div.AttrOr("data-n-a-sg", "")
		timestamp := div.AttrOr("data-n-a-ts", "")
		if signature != "" && timestamp != "" {
			d.gate.RecordSuccess(pageURL)
			return signature, timestamp, nil
		}
		lastErr = errNoDecodingParams
	}
	return "", "", fmt.Errorf("fetch decoding params: %w", lastErr)
}

func (d *BatchDecoder) callBatchExecute(ctx context.Context, token, signature, timestamp string) (string, error) {
	inner := fmt.Sprintf(
		`["garturlreq",[["X","X",["X","X"],null,null,1,1,"US:en",null,1,null,null,null,null,null,0,1],"X","X",1,[1,1,1],1,1,null,0,0,null,0],%q,%s,%q]`,
		token, timestamp, signature,
	)
	payload, err := json.Marshal([][][]any{{{"Fbv4je", inner, nil, "generic"}}})
	if err != nil {
		return "", fmt.Errorf("marshal batchexecute payload: %w", err)
	}

	if err := d.gate.Wait(ctx, batchExecuteURL); err != nil {
		return "", err
	}
	resp, err := d.client.PostForm(ctx, batchExecuteURL, map[string]string{"f.req": string(payload)})
	if err != nil {
		if abortErr := d.gate.RecordError(batchExecuteURL); abortErr != nil {
			return "", abortErr
		}
		return "", fmt.Errorf("batchexecute request: %w", err)
	}

	direct, err := parseBatchExecuteResponse(resp.Body)
	if err != nil {
		return "", err
	}
	d.gate.RecordSuccess(batchExecuteURL)
	return direct, nil
}

// parseBatchExecuteResponse unwraps the anti-JSON prefix and the doubly
// encoded envelope around the decoded URL.
func parseBatchExecuteResponse(body []byte) (string, error) {
	parts := strings.SplitN(string(body), "\n\n", 2)
	if len(parts) < 2 {
		return "", errors.New("unexpected batchexecute response shape")
	}
	var envelope []json.RawMessage
	if err := json.Unmarshal([]byte(parts[1]), &envelope); err != nil {
		return "", fmt.Errorf("parse batchexecute envelope: %w", err)
	}
	if len(envelope) == 0 {
		return "", errors.New("empty batchexecute envelope")
	}
	var frame []json.RawMessage
	if err := json.Unmarshal(envelope[0], &frame); err != nil {
		return "", fmt.Errorf("parse batchexecute frame: %w", err)
	}
	if len(frame) < 3 {
		return "", errors.New("short batchexecute frame")
	}
	var payload string
	if err := json.Unmarshal(frame[2], &payload); err != nil {
		return "", fmt.Errorf("parse batchexecute payload: %w", err)
	}
	var decoded []any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return "", fmt.Errorf("parse decoded article payload: %w", err)
	}
	if len(decoded) < 2 {
		return "", errors.New("decoded article payload too short")
	}
	direct, ok := decoded[1].(string)
	if !ok {
		return "", errors.New("decoded article payload is not a URL")
	}
	return direct, nil
}
