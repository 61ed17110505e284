// Package beacon accepts tracking-pixel requests and appends them to the
// capture stream.
package beacon

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-playback/common/logging"
	"github.com/telhawk-systems/telhawk-playback/common/middleware"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/metrics"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/ratelimit"
)

const (
	HeaderSequenceNumber = "X-SequenceNumber"

	VariantBody      = "body"
	VariantQuery     = "query"
	VariantSynthetic = "synthetic"

	defaultMaxBodySize = 64 * 1024
)

// pixel is a 1x1 transparent GIF.
var pixel, _ = base64.StdEncoding.DecodeString("R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7")

var errBodyNotObject = errors.New("beacon body must be a JSON object")

// Publisher appends one event to the capture stream and returns the sequence
// number assigned to it.
type Publisher interface {
	Publish(ctx context.Context, partitionKey string, data []byte) (string, error)
}

type Handler struct {
	publisher   Publisher
	limiter     ratelimit.RateLimiter
	maxBodySize int64
	now         func() time.Time
	logger      *logging.Logger
}

func NewHandler(publisher Publisher, limiter ratelimit.RateLimiter, maxBodySize int64, logger *logging.Logger) *Handler {
	if limiter == nil {
		limiter = &ratelimit.NoOpRateLimiter{}
	}
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxBodySize
	}
	return &Handler{
		publisher:   publisher,
		limiter:     limiter,
		maxBodySize: maxBodySize,
		now:         time.Now,
		logger:      logger,
	}
}

// Payload picks what gets recorded for a request: a JSON object body, else
// the query parameters, else a synthetic event with a generated id. The
// result always carries an @timestamp.
func Payload(body []byte, query url.Values, now time.Time) (map[string]interface{}, string, error) {
	event := make(map[string]interface{})
	variant := VariantSynthetic

	switch {
	case len(body) > 0:
		if err := json.Unmarshal(body, &event); err != nil || event == nil {
			return nil, "", errBodyNotObject
		}
		variant = VariantBody
	case len(query) > 0:
		for k, v := range query {
			if len(v) == 1 {
				event[k] = v[0]
			} else {
				event[k] = v
			}
		}
		variant = VariantQuery
	default:
		event["id"] = uuid.NewString()
	}

	event["@timestamp"] = models.FormatTimestamp(now)
	return event, variant, nil
}

// ServeHTTP handles GET and POST /collect.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	log := h.logger.WithContext(ctx)

	allowed, err := h.limiter.Allow(ctx, middleware.ClientIP(r))
	if err != nil {
		// Fail open.
		log.Warn("Rate limit check failed", logging.Error(err))
	} else if !allowed {
		metrics.BeaconRequests.WithLabelValues("", "rate_limited").Inc()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var body []byte
	if r.Method == http.MethodPost {
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
		if err != nil {
			metrics.BeaconRequests.WithLabelValues(VariantBody, "rejected").Inc()
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
	}

	event, variant, err := Payload(body, r.URL.Query(), h.now())
	if err != nil {
		metrics.BeaconRequests.WithLabelValues(VariantBody, "rejected").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		metrics.BeaconRequests.WithLabelValues(variant, "rejected").Inc()
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}

	seq, err := h.publisher.Publish(ctx, uuid.NewString(), data)
	if err != nil {
		metrics.BeaconRequests.WithLabelValues(variant, "failed").Inc()
		log.Error("Failed to publish beacon event", logging.Error(err))
		http.Error(w, "unable to record event", http.StatusServiceUnavailable)
		return
	}

	metrics.BeaconRequests.WithLabelValues(variant, "accepted").Inc()
	log.Debug("Beacon event recorded", "variant", variant, logging.Sequence(seq))

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache")
	if seq != "" {
		w.Header().Set(HeaderSequenceNumber, seq)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(pixel)))
	w.WriteHeader(http.StatusOK)
	w.Write(pixel)
}
