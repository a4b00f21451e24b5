package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamhub/streamhub/internal/authjwt"
	"github.com/streamhub/streamhub/internal/project"
	"github.com/streamhub/streamhub/internal/streamactor"
)

// Protocol header names.
const (
	HeaderStreamNextOffset  = "Stream-Next-Offset"
	HeaderStreamCursor      = "Stream-Cursor"
	HeaderStreamUpToDate    = "Stream-Up-To-Date"
	HeaderStreamClosed      = "Stream-Closed"
	HeaderStreamSeq         = "Stream-Seq"
	HeaderStreamTTL         = "Stream-TTL"
	HeaderStreamExpiresAt   = "Stream-Expires-At"
	HeaderStreamSSEEncoding = "Stream-SSE-Data-Encoding"
	HeaderStreamWriteTS     = "Stream-Write-Timestamp"
	HeaderProducerID        = "Producer-Id"
	HeaderProducerEpoch     = "Producer-Epoch"
	HeaderProducerSeq       = "Producer-Seq"
	HeaderDebugTiming       = "X-Debug-Timing"
)

// timingResponseWriter wraps a ResponseWriter to stamp a Server-Timing
// header with the elapsed handler duration just before the first byte
// of the response is written. Only active when the request asked for
// it via X-Debug-Timing, so the common path pays no extra overhead.
type timingResponseWriter struct {
	http.ResponseWriter
	start       time.Time
	wroteHeader bool
}

func (t *timingResponseWriter) stamp() {
	if t.wroteHeader {
		return
	}
	t.wroteHeader = true
	elapsed := time.Since(t.start)
	t.Header().Set("Server-Timing", fmt.Sprintf("total;dur=%.2f", float64(elapsed.Microseconds())/1000))
}

func (t *timingResponseWriter) WriteHeader(statusCode int) {
	t.stamp()
	t.ResponseWriter.WriteHeader(statusCode)
}

func (t *timingResponseWriter) Write(b []byte) (int, error) {
	t.stamp()
	return t.ResponseWriter.Write(b)
}

// Flush preserves streaming support (long-poll/SSE) through the
// wrapper; handleSSE type-asserts its ResponseWriter to http.Flusher.
func (t *timingResponseWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ServeHTTP implements caddyhttp.MiddlewareHandler and is the single
// entry point for every /v1 route.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	if r.Header.Get(HeaderDebugTiming) == "1" {
		w = &timingResponseWriter{ResponseWriter: w, start: time.Now()}
	}

	path := r.URL.Path
	projectID := routeProjectID(path)
	h.setCORSHeaders(w, r, projectID)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)

	h.logger.Debug("handling request",
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("path", path))

	var err error
	switch {
	case streamRoute.MatchString(path):
		err = h.dispatchStream(w, r, path)
	case estuarySubscribeRoute.MatchString(path):
		err = h.dispatchEstuarySubscribe(w, r, path)
	case estuaryRoute.MatchString(path):
		err = h.dispatchEstuary(w, r, path)
	case configRoute.MatchString(path):
		err = h.dispatchConfig(w, r, path)
	default:
		w.WriteHeader(http.StatusNotFound)
		return nil
	}

	if err != nil {
		h.writeError(w, err)
	}
	return nil
}

// routeProjectID extracts the projectId path segment from any of the
// four route shapes, for CORS resolution before the request is fully
// dispatched and possibly before authentication.
func routeProjectID(path string) string {
	for _, re := range []*regexp.Regexp{streamRoute, estuarySubscribeRoute, estuaryRoute, configRoute} {
		if m := re.FindStringSubmatch(path); m != nil {
			return m[1]
		}
	}
	return ""
}

func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request, projectID string) {
	origin := r.Header.Get("Origin")
	allowOrigin := ""

	if projectID != "" {
		if p, err := h.projects.Get(projectID); err == nil {
			if len(p.CORSOrigins) == 0 {
				allowOrigin = "*"
			} else if origin != "" && p.AllowsOrigin(origin) {
				allowOrigin = origin
				w.Header().Add("Vary", "Origin")
			}
		}
	} else {
		allowOrigin = "*"
	}

	if allowOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Stream-Seq, Stream-TTL, Stream-Expires-At, Stream-Closed, Producer-Id, Producer-Epoch, Producer-Seq, If-None-Match")
	w.Header().Set("Access-Control-Expose-Headers", "Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-Closed, Stream-TTL, Stream-Expires-At, Stream-SSE-Data-Encoding, Stream-Write-Timestamp, Server-Timing, ETag, Location")
}

// authorizeStreamRequest checks auth for a stream route, bypassing it
// entirely for GET and HEAD when public (the stream's own flag) is
// true. Returns nil claims with a nil error for a public bypass.
func (h *Handler) authorizeStreamRequest(r *http.Request, projectID string, public bool) (*authjwt.Claims, error) {
	if public && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		return nil, nil
	}
	proj, err := h.projects.Get(projectID)
	if err != nil {
		if errors.Is(err, project.ErrProjectNotFound) {
			return nil, newHTTPError(http.StatusUnauthorized, "unknown project")
		}
		return nil, err
	}
	claims, err := authjwt.Authorize(r, projectID, proj.SigningSecrets)
	if err != nil {
		return nil, mapAuthError(err)
	}
	return claims, nil
}

func mapAuthError(err error) *httpError {
	switch {
	case errors.Is(err, authjwt.ErrScopeDenied):
		return newHTTPError(http.StatusForbidden, "token scope does not permit this operation")
	case errors.Is(err, authjwt.ErrNoBearerToken), errors.Is(err, authjwt.ErrInvalidToken):
		return newHTTPError(http.StatusUnauthorized, "missing or invalid bearer token")
	default:
		return newHTTPError(http.StatusUnauthorized, "authorization failed")
	}
}

// dispatchStream handles every method on /v1/stream/{projectId}/{streamId}.
func (h *Handler) dispatchStream(w http.ResponseWriter, r *http.Request, path string) error {
	m := streamRoute.FindStringSubmatch(path)
	projectID, streamID := m[1], m[2]
	if !validID(projectID) || !validID(streamID) {
		return newHTTPError(http.StatusBadRequest, "invalid project or stream id")
	}

	actor, err := h.registry.Get(projectID, streamID)
	if err != nil {
		return err
	}

	// Public bypass only applies to already-existing public streams;
	// a PUT to create one must still authenticate.
	public := false
	if meta, err := actor.Get(r.Context()); err == nil {
		public = meta.Public
	}
	if r.Method == http.MethodPut {
		public = false
	}
	if _, err := h.authorizeStreamRequest(r, projectID, public); err != nil {
		return err
	}

	switch r.Method {
	case http.MethodPut:
		return h.handleCreate(w, r, actor)
	case http.MethodHead:
		return h.handleHead(w, r, actor)
	case http.MethodGet:
		return h.handleRead(w, r, actor, projectID, streamID)
	case http.MethodPost:
		return h.handleAppend(w, r, actor, projectID, streamID)
	case http.MethodDelete:
		return h.handleDelete(w, r, actor, projectID, streamID)
	default:
		return newHTTPError(http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, actor *streamactor.Actor) error {
	contentType := r.Header.Get("Content-Type")
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAtStr := r.Header.Get(HeaderStreamExpiresAt)

	if ttlStr != "" && expiresAtStr != "" {
		return newHTTPError(http.StatusBadRequest, "cannot specify both Stream-TTL and Stream-Expires-At")
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		ttlSeconds = &ttl
	}

	var expiresAt *time.Time
	if expiresAtStr != "" {
		t, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Stream-Expires-At format")
		}
		expiresAt = &t
	}

	var initialData []byte
	if r.ContentLength > 0 {
		var err error
		initialData, err = io.ReadAll(r.Body)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "failed to read body")
		}
	}

	opts := streamactor.CreateOptions{
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		InitialData: initialData,
	}

	meta, wasCreated, err := actor.Create(r.Context(), opts)
	if err != nil {
		if errors.Is(err, streamactor.ErrConfigMismatch) {
			return newHTTPError(http.StatusConflict, "stream exists with different configuration")
		}
		return err
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.CurrentOffset.String())

	if wasCreated {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		w.Header().Set("Location", fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path))
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, actor *streamactor.Actor) error {
	meta, err := actor.Get(r.Context())
	if err != nil {
		if errors.Is(err, streamactor.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.CurrentOffset.String())
	w.Header().Set("Cache-Control", "no-store")
	if meta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if meta.TTLSeconds != nil {
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(*meta.TTLSeconds, 10))
	}
	if meta.ExpiresAt != nil {
		w.Header().Set(HeaderStreamExpiresAt, meta.ExpiresAt.Format(time.RFC3339))
	}

	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, actor *streamactor.Actor, projectID, streamID string) error {
	meta, err := actor.Get(r.Context())
	if err != nil {
		if errors.Is(err, streamactor.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	query := r.URL.Query()
	offsetValues, offsetProvided := query["offset"]
	offsetStr := ""
	if offsetProvided {
		if len(offsetValues) > 1 {
			return newHTTPError(http.StatusBadRequest, "multiple offset parameters not allowed")
		}
		offsetStr = offsetValues[0]
		if offsetStr == "" {
			return newHTTPError(http.StatusBadRequest, "offset parameter cannot be empty")
		}
	}
	if offsetStr == "now" {
		offsetStr = meta.CurrentOffset.String()
	}

	offset, err := streamactor.ParseOffset(offsetStr)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid offset")
	}
	if meta.CurrentOffset.LessThan(offset) {
		return newHTTPError(http.StatusBadRequest, "invalid offset: past stream tail")
	}

	liveMode := query.Get("live")
	cursor := query.Get("cursor")

	if liveMode == "long-poll" && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for long-poll mode")
	}
	if liveMode == "sse" && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for SSE mode")
	}
	if liveMode == "sse" {
		return h.handleSSE(w, r, actor, projectID, streamID, offset, cursor)
	}

	messages, upToDate, err := h.readAt(r.Context(), actor, projectID, streamID, offset)
	if err != nil {
		return err
	}

	nextOffset := offset
	if len(messages) > 0 {
		nextOffset = messages[len(messages)-1].Offset
	} else {
		nextOffset = meta.CurrentOffset
	}

	if liveMode == "long-poll" && len(messages) == 0 {
		timeout := time.Duration(h.LongPollTimeout)
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		waited, timedOut, streamClosed, err := actor.WaitForMessages(ctx, offset, timeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return h.writeEmptyLongPoll(w, meta, offset)
			}
			if errors.Is(err, streamactor.ErrStreamNotFound) {
				return newHTTPError(http.StatusNotFound, "stream not found")
			}
			return err
		}
		if timedOut {
			return h.writeEmptyLongPoll(w, meta, offset)
		}
		if streamClosed && len(waited) == 0 {
			w.Header().Set(HeaderStreamClosed, "true")
			w.Header().Set(HeaderStreamUpToDate, "true")
			w.WriteHeader(http.StatusNoContent)
			return nil
		}
		messages = waited
		if len(messages) > 0 {
			nextOffset = messages[len(messages)-1].Offset
		}
	}

	currentMeta, _ := actor.Get(r.Context())
	upToDate = currentMeta != nil && nextOffset.Equal(currentMeta.CurrentOffset)

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, nextOffset.String())
	if ts := streamactor.MaxCreatedAt(messages); !ts.IsZero() {
		w.Header().Set(HeaderStreamWriteTS, strconv.FormatInt(ts.UnixMilli(), 10))
	}
	if upToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	if currentMeta != nil && currentMeta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if liveMode == "long-poll" {
		w.Header().Set(HeaderStreamCursor, nextCursor(cursor))
	}
	w.Header().Set("ETag", fmt.Sprintf(`"%s"`, nextOffset.String()))

	if !upToDate && len(messages) > 0 {
		w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
	} else if offsetProvided && offsetValues[0] == "now" {
		w.Header().Set("Cache-Control", "no-store")
	}

	if ifNoneMatch := r.Header.Get("If-None-Match"); ifNoneMatch != "" {
		if ifNoneMatch == fmt.Sprintf(`"%s"`, nextOffset.String()) {
			w.WriteHeader(http.StatusNotModified)
			return nil
		}
	}

	body, err := actor.FormatResponse(r.Context(), messages)
	if err != nil {
		return err
	}

	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return nil
}

func (h *Handler) writeEmptyLongPoll(w http.ResponseWriter, meta *streamactor.Meta, offset streamactor.Offset) error {
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, offset.String())
	w.Header().Set(HeaderStreamUpToDate, "true")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// readAt answers a read from the actor's hot cache, falling back to
// cold blob segments when the requested offset is behind the live
// segment generation.
func (h *Handler) readAt(ctx context.Context, actor *streamactor.Actor, projectID, streamID string, offset streamactor.Offset) ([]streamactor.Message, bool, error) {
	meta, err := actor.Get(ctx)
	if err != nil {
		return nil, false, err
	}
	if offset.ReadSeq < meta.CurrentOffset.ReadSeq {
		cold, err := readColdSegments(ctx, h.blobStore, h.adminIndex, projectID, streamID, offset, meta.ContentType)
		if err != nil {
			return nil, false, err
		}
		hotStart := streamactor.Offset{ReadSeq: meta.CurrentOffset.ReadSeq}
		hot, upToDate, err := actor.Read(ctx, hotStart)
		if err != nil {
			return nil, false, err
		}
		return append(cold, hot...), upToDate, nil
	}
	return actor.Read(ctx, offset)
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, actor *streamactor.Actor, projectID, streamID string) error {
	meta, err := actor.Get(r.Context())
	if err != nil {
		if errors.Is(err, streamactor.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	closeOnly := r.Header.Get(HeaderStreamClosed) == "true"

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}

	if closeOnly && len(body) == 0 {
		result, err := actor.CloseStream(r.Context())
		if err != nil {
			if errors.Is(err, streamactor.ErrStreamNotFound) {
				return newHTTPError(http.StatusNotFound, "stream not found")
			}
			return err
		}
		w.Header().Set(HeaderStreamNextOffset, result.FinalOffset.String())
		w.Header().Set(HeaderStreamClosed, "true")
		w.WriteHeader(http.StatusOK)
		return nil
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return newHTTPError(http.StatusBadRequest, "Content-Type header is required")
	}
	if !streamactor.ContentTypeMatches(meta.ContentType, contentType) {
		return newHTTPError(http.StatusConflict, "content type mismatch")
	}
	if len(body) == 0 {
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	}

	opts := streamactor.AppendOptions{
		Seq:         r.Header.Get(HeaderStreamSeq),
		ContentType: contentType,
		Close:       closeOnly,
	}
	if pid := r.Header.Get(HeaderProducerID); pid != "" {
		epoch, eerr := strconv.ParseInt(r.Header.Get(HeaderProducerEpoch), 10, 64)
		seq, serr := strconv.ParseInt(r.Header.Get(HeaderProducerSeq), 10, 64)
		if eerr != nil || serr != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Producer-Epoch/Producer-Seq")
		}
		opts.ProducerID = pid
		opts.ProducerEpoch = &epoch
		opts.ProducerSeq = &seq
	}

	result, err := actor.Append(r.Context(), body, opts)
	if err != nil {
		switch {
		case errors.Is(err, streamactor.ErrSequenceConflict):
			return newHTTPError(http.StatusConflict, "sequence number conflict")
		case errors.Is(err, streamactor.ErrContentTypeMismatch):
			return newHTTPError(http.StatusConflict, "content type mismatch")
		case errors.Is(err, streamactor.ErrInvalidJSON):
			return newHTTPError(http.StatusBadRequest, "invalid JSON")
		case errors.Is(err, streamactor.ErrEmptyJSONArray):
			return newHTTPError(http.StatusBadRequest, "empty JSON array not allowed")
		case errors.Is(err, streamactor.ErrStreamClosed):
			w.Header().Set(HeaderStreamClosed, "true")
			return newHTTPError(http.StatusConflict, "stream is closed")
		case errors.Is(err, streamactor.ErrStaleEpoch), errors.Is(err, streamactor.ErrInvalidEpochSeq), errors.Is(err, streamactor.ErrProducerSeqGap), errors.Is(err, streamactor.ErrStaleDuplicate):
			return newHTTPError(http.StatusConflict, err.Error())
		}
		return err
	}

	w.Header().Set(HeaderStreamNextOffset, result.Offset.String())
	if result.ProducerResult == streamactor.ProducerResultDuplicate {
		w.Header().Set(HeaderProducerSeq, strconv.FormatInt(result.LastSeq, 10))
	}
	if result.StreamClosed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	w.WriteHeader(http.StatusOK)

	if !closeOnly {
		h.fanoutMgr.OnStreamAppend(projectID, streamID, body, contentType)
	}
	return nil
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, actor *streamactor.Actor, projectID, streamID string) error {
	if err := actor.Delete(r.Context()); err != nil {
		if errors.Is(err, streamactor.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}
	h.registry.Evict(projectID, streamID)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// parseTTL parses and validates a TTL string: a non-negative integer
// with no leading zeros (other than the literal "0"), no sign, no
// float or scientific notation.
func parseTTL(s string) (int64, error) {
	if !ttlRegex.MatchString(s) {
		return 0, fmt.Errorf("invalid TTL format: must be a non-negative integer without leading zeros")
	}
	ttl, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid TTL: %w", err)
	}
	return ttl, nil
}
