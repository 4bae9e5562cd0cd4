package queue

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"warmline/internal/storage"
	logx "warmline/pkg/logx"
)

// Recipient is one row of lead data. "phoneNumber" is required; every key
// can be used as a {placeholder} in the template.
type Recipient map[string]any

func (r Recipient) field(k string) (string, bool) {
	v, ok := r[k]
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

type EnqueueRequest struct {
	TextMessage string      `json:"textMessage" validate:"required"`
	Data        []Recipient `json:"data" validate:"required,min=1"`
	TTS         bool        `json:"tts"`
}

// EnqueueResult counts what happened to each recipient row.
type EnqueueResult struct {
	AddedCount     int `json:"addedCount"`
	BlockedCount   int `json:"blockedCount"`   // on the suppression list
	DuplicateCount int `json:"duplicateCount"` // repeated phone number in the request
	InvalidCount   int `json:"invalidCount"`   // missing or unusable phone number
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Render fills {field} placeholders from r. Unknown fields are left as-is.
func Render(tmpl string, r Recipient) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		if v, ok := r.field(m[1 : len(m)-1]); ok {
			return v
		}
		return m
	})
}

// NormalizePhone keeps digits only.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Enqueue de-duplicates recipients, drops suppressed ones, and queues the rest.
func (p *Processor) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	var res EnqueueResult
	if strings.TrimSpace(req.TextMessage) == "" {
		return res, errors.New("textMessage is required")
	}

	seen := make(map[string]bool, len(req.Data))
	var (
		phones []string
		rows   []Recipient
	)
	for _, r := range req.Data {
		raw, _ := r.field("phoneNumber")
		phone := NormalizePhone(raw)
		if phone == "" {
			res.InvalidCount++
			continue
		}
		if seen[phone] {
			res.DuplicateCount++
			continue
		}
		seen[phone] = true
		phones = append(phones, phone)
		rows = append(rows, r)
	}

	blocked, err := p.store.SuppressedAmong(ctx, phones)
	if err != nil {
		return EnqueueResult{}, err
	}

	msgs := make([]storage.QueuedMessage, 0, len(rows))
	for i, r := range rows {
		if blocked[phones[i]] {
			res.BlockedCount++
			continue
		}
		msgs = append(msgs, storage.QueuedMessage{
			ID:        uuid.NewString(),
			Recipient: phones[i],
			Text:      Render(req.TextMessage, r),
			TTS:       req.TTS,
			CreatedAt: p.now(),
		})
	}
	if err := p.store.InsertQueued(ctx, msgs); err != nil {
		return EnqueueResult{}, err
	}
	res.AddedCount = len(msgs)
	p.log.Info("messages enqueued",
		logx.Int("added", res.AddedCount), logx.Int("blocked", res.BlockedCount),
		logx.Int("duplicate", res.DuplicateCount), logx.Int("invalid", res.InvalidCount))
	return res, nil
}
