// Package api exposes the HTTP surface: product CRUD, image uploads, the
// lifecycle endpoints and the CDN-style file routes.
package api

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shopimg/shopimg/internal/cdn"
	"github.com/shopimg/shopimg/internal/config"
	"github.com/shopimg/shopimg/internal/model"
	"github.com/shopimg/shopimg/internal/processing"
	"github.com/shopimg/shopimg/internal/repository"
	"github.com/shopimg/shopimg/internal/storage"
	"github.com/shopimg/shopimg/internal/validate"
	"github.com/shopimg/shopimg/internal/variants"
)

// Server exposes the HTTP endpoints.
type Server struct {
	cfg        *config.Config
	images     repository.ImageStore
	products   repository.ProductStore
	backend    storage.Backend
	cache      *cdn.Cache
	validator  *validate.Validator
	pipeline   *processing.Pipeline
	dispatcher processing.Dispatcher
	signer     *cdn.Signer
	server     *http.Server
	once       sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, images repository.ImageStore, products repository.ProductStore, backend storage.Backend, cache *cdn.Cache, validator *validate.Validator, pipeline *processing.Pipeline, dispatcher processing.Dispatcher) *Server {
	return &Server{
		cfg:        cfg,
		images:     images,
		products:   products,
		backend:    backend,
		cache:      cache,
		validator:  validator,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		signer:     cdn.NewSigner(cfg.SigningSecret),
	}
}

// Handler builds the routing table. Exposed separately from Run so tests can
// drive the mux through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/products", s.handleProducts)
	mux.HandleFunc("/products/", s.handleProductRoute)
	mux.HandleFunc("/images/", s.handleImageRoute)
	mux.HandleFunc("/cdn/file/", s.handleCDNFile)
	mux.HandleFunc("/cdn/stats", s.handleCDNStats)
	mux.HandleFunc("/cdn/cache/clear", s.handleCDNClear)
	mux.HandleFunc("/download", s.handleDownload)
	return corsMiddleware(loggingMiddleware(mux))
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Handler(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"cache":  s.cache.Stats(),
	})
}

// --- products ---

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := s.products.ListProducts(r.Context())
		if err != nil {
			http.Error(w, "failed to list products", http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, products)
	case http.MethodPost:
		var p model.Product
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.ID == "" {
			http.Error(w, "expecting JSON body with id", http.StatusBadRequest)
			return
		}
		if err := s.products.CreateProduct(r.Context(), &p); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		respondJSON(w, http.StatusCreated, p)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleProductRoute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/products/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleProduct(w, r, id)
		return
	}
	if parts[1] == "images" {
		s.handleProductImages(w, r, id)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleProduct(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		p, err := s.products.GetProduct(r.Context(), id)
		if err != nil {
			http.Error(w, "product not found", http.StatusNotFound)
			return
		}
		respondJSON(w, http.StatusOK, p)
	case http.MethodDelete:
		// Stored bytes first; row deletion cascades to the image records.
		if err := s.pipeline.RemoveProductImages(r.Context(), id); err != nil {
			http.Error(w, "failed to delete product images", http.StatusInternalServerError)
			return
		}
		if err := s.products.DeleteProduct(r.Context(), id); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				http.Error(w, "product not found", http.StatusNotFound)
				return
			}
			http.Error(w, "failed to delete product", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleProductImages(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.products.GetProduct(r.Context(), id); err != nil {
		http.Error(w, "product not found", http.StatusNotFound)
		return
	}
	recs, err := s.images.ListByProduct(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to list images", http.StatusInternalServerError)
		return
	}
	resp := struct {
		Images  []*model.ImageRecord `json:"images"`
		Primary *model.ImageRecord   `json:"primary,omitempty"`
	}{
		Images:  recs,
		Primary: repository.EffectivePrimary(recs),
	}
	respondJSON(w, http.StatusOK, resp)
}

// --- images ---

func (s *Server) handleImageRoute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/images/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	switch parts[0] {
	case "upload":
		if len(parts) != 2 || parts[1] == "" {
			http.NotFound(w, r)
			return
		}
		s.handleUpload(w, r, parts[1])
		return
	case "status":
		s.handleStatusCounts(w, r)
		return
	case "reprocess-failed":
		s.handleReprocessFailed(w, r)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 1 {
		s.handleImage(w, r, id)
		return
	}
	switch parts[1] {
	case "reprocess":
		s.handleReprocess(w, r, id)
	case "signed-url":
		s.handleSignedURL(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodGet:
		rec, err := s.images.Get(r.Context(), id)
		if err != nil {
			http.Error(w, "image not found", http.StatusNotFound)
			return
		}
		respondJSON(w, http.StatusOK, s.withURLs(rec))
	case http.MethodPatch:
		s.handleImagePatch(w, r, id)
	case http.MethodDelete:
		if err := s.pipeline.Remove(r.Context(), id); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				http.Error(w, "image not found", http.StatusNotFound)
				return
			}
			http.Error(w, "failed to delete image", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleImagePatch(w http.ResponseWriter, r *http.Request, id int64) {
	var body struct {
		AltText   *string `json:"altText"`
		SortOrder *int    `json:"sortOrder"`
		IsPrimary *bool   `json:"isPrimary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "expecting JSON body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if body.AltText != nil || body.SortOrder != nil {
		if err := s.images.UpdateMeta(ctx, id, body.AltText, body.SortOrder); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				http.Error(w, "image not found", http.StatusNotFound)
				return
			}
			http.Error(w, "failed to update image", http.StatusInternalServerError)
			return
		}
	}
	if body.IsPrimary != nil {
		var err error
		if *body.IsPrimary {
			err = s.images.SetPrimary(ctx, id)
		} else {
			err = s.images.ClearPrimary(ctx, id)
		}
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				http.Error(w, "image not found", http.StatusNotFound)
				return
			}
			http.Error(w, "failed to update primary flag", http.StatusInternalServerError)
			return
		}
	}
	rec, err := s.images.Get(ctx, id)
	if err != nil {
		http.Error(w, "image not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, s.withURLs(rec))
}

func (s *Server) handleStatusCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	counts, err := s.images.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, "failed to count images", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, counts)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	rec, err := s.pipeline.Reprocess(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			http.Error(w, "image not found", http.StatusNotFound)
		case errors.Is(err, repository.ErrAlreadyProcessing):
			http.Error(w, "image is already being processed", http.StatusConflict)
		default:
			http.Error(w, "failed to reprocess image", http.StatusInternalServerError)
		}
		return
	}
	if err := s.dispatcher.Dispatch(ctx, rec.ID, rec.Path); err != nil {
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     rec.ID,
		"status": string(model.StatusUploading),
	})
}

func (s *Server) handleReprocessFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	failed, err := s.images.ListByStatus(ctx, model.StatusError)
	if err != nil {
		http.Error(w, "failed to list images", http.StatusInternalServerError)
		return
	}
	queued := 0
	for _, rec := range failed {
		if _, err := s.pipeline.Reprocess(ctx, rec.ID); err != nil {
			log.Printf("reprocess image %d: %v", rec.ID, err)
			continue
		}
		if err := s.dispatcher.Dispatch(ctx, rec.ID, rec.Path); err != nil {
			log.Printf("dispatch image %d: %v", rec.ID, err)
			continue
		}
		queued++
	}
	respondJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, productID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	if _, err := s.products.GetProduct(ctx, productID); err != nil {
		http.Error(w, "product not found", http.StatusNotFound)
		return
	}

	// The slack on top of the image limit covers multipart framing and the
	// small metadata fields.
	bodyLimit := s.cfg.MaxImageBytes + 64*1024
	if r.ContentLength > bodyLimit {
		s.respondTooLarge(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	form, err := readUploadForm(mr, s.cfg.MaxImageBytes)
	if err != nil {
		// Chunked uploads bypass the Content-Length gate and trip the body
		// limit mid-read instead.
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondTooLarge(w)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.validator.Validate(form.filename, form.contentType, int64(len(form.data)), bytes.NewReader(form.data))
	if err != nil {
		var verr *validate.Error
		if errors.As(err, &verr) {
			respondJSON(w, validationStatus(verr.Reason), map[string]string{
				"error":  string(verr.Reason),
				"detail": verr.Detail,
			})
			return
		}
		http.Error(w, "validation failed", http.StatusBadRequest)
		return
	}

	storagePath := buildStoragePath(productID, form.filename)
	err = s.putWithRetry(ctx, storagePath, form.data, result.MimeType)
	if err != nil {
		log.Printf("store original failed: %v", err)
		http.Error(w, "storage backend unavailable", http.StatusServiceUnavailable)
		return
	}

	rec := &model.ImageRecord{
		ProductID: productID,
		Filename:  form.filename,
		Path:      storagePath,
		SortOrder: form.sortOrder,
		FileSize:  int64(len(form.data)),
		MimeType:  result.MimeType,
		Width:     result.Width,
		Height:    result.Height,
		AltText:   form.altText,
	}
	if err := s.images.Create(ctx, rec); err != nil {
		// Do not leave orphaned bytes behind a failed insert.
		if derr := s.backend.Delete(ctx, storagePath); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
			log.Printf("cleanup %s: %v", storagePath, derr)
		}
		http.Error(w, "failed to store metadata", http.StatusInternalServerError)
		return
	}
	if form.isPrimary {
		if err := s.images.SetPrimary(ctx, rec.ID); err != nil {
			log.Printf("set primary for image %d: %v", rec.ID, err)
		} else {
			rec.IsPrimary = true
		}
	}
	if err := s.dispatcher.Dispatch(ctx, rec.ID, rec.Path); err != nil {
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, s.withURLs(rec))
}

// --- CDN routes ---

func (s *Server) handleCDNFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	storagePath := strings.TrimPrefix(r.URL.Path, "/cdn/file/")
	if storagePath == "" {
		http.NotFound(w, r)
		return
	}
	size := variants.Size(r.URL.Query().Get("size"))
	if size == "" {
		size = variants.Original
	}
	if !size.Valid() {
		http.Error(w, "unknown size", http.StatusBadRequest)
		return
	}
	s.serveCached(w, r, storagePath, size)
}

func (s *Server) serveCached(w http.ResponseWriter, r *http.Request, storagePath string, size variants.Size) {
	data, contentType, hit, err := s.cache.Fetch(r.Context(), storagePath, size)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		log.Printf("cdn fetch %s (%s): %v", storagePath, size, err)
		http.Error(w, "storage backend unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleCDNStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleCDNClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.cache.Clear()
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := s.images.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "image not found", http.StatusNotFound)
		return
	}
	expires := time.Now().Add(s.cfg.SignedURLTTL).Unix()
	sig := s.signer.Sign(rec.Path, expires)
	signed := fmt.Sprintf("%s/download?path=%s&expires=%d&sig=%s",
		s.cfg.CDNBaseURL, url.QueryEscape(rec.Path), expires, sig)
	respondJSON(w, http.StatusOK, map[string]string{"url": signed})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	storagePath := q.Get("path")
	expires := q.Get("expires")
	sig := q.Get("sig")
	if storagePath == "" || expires == "" || sig == "" {
		http.Error(w, "missing signature parameters", http.StatusBadRequest)
		return
	}
	if !s.signer.Validate(storagePath, expires, sig) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	exp, _ := strconv.ParseInt(expires, 10, 64)
	if time.Now().Unix() > exp {
		http.Error(w, "link expired", http.StatusForbidden)
		return
	}
	s.serveCached(w, r, storagePath, variants.Original)
}

// --- helpers ---

type uploadForm struct {
	filename    string
	contentType string
	data        []byte
	altText     string
	sortOrder   int
	isPrimary   bool
}

// readUploadForm drains the multipart stream, buffering the file part and the
// small metadata fields.
func readUploadForm(mr *multipart.Reader, maxBytes int64) (*uploadForm, error) {
	form := &uploadForm{}
	for {
		part, err := mr.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read form: %w", err)
		}
		switch part.FormName() {
		case "file":
			data, err := io.ReadAll(io.LimitReader(part, maxBytes+1))
			part.Close()
			if err != nil {
				return nil, fmt.Errorf("read file: %w", err)
			}
			form.data = data
			form.filename = part.FileName()
			form.contentType = part.Header.Get("Content-Type")
		case "alt_text":
			form.altText = readField(part)
		case "sort_order":
			if v, err := strconv.Atoi(readField(part)); err == nil {
				form.sortOrder = v
			}
		case "is_primary":
			if v, err := strconv.ParseBool(readField(part)); err == nil {
				form.isPrimary = v
			}
		default:
			part.Close()
		}
	}
	if len(form.data) == 0 {
		return nil, errors.New("missing file field")
	}
	if form.filename == "" {
		form.filename = "upload.jpg"
	}
	return form, nil
}

func readField(part *multipart.Part) string {
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, 4096))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// buildStoragePath shards originals under a short hash of the product ID so a
// single directory never collects every product.
func buildStoragePath(productID, filename string) string {
	sum := md5.Sum([]byte(productID))
	shard := fmt.Sprintf("%x", sum)[:8]
	ext := strings.ToLower(path.Ext(filename))
	return fmt.Sprintf("products/%s/%s/%s%s", shard, productID, uuid.NewString(), ext)
}

// putWithRetry retries a failed original write once when the backend was
// unreachable.
func (s *Server) putWithRetry(ctx context.Context, storagePath string, data []byte, contentType string) error {
	err := s.backend.Put(ctx, storagePath, data, contentType)
	if errors.Is(err, storage.ErrUnavailable) {
		err = s.backend.Put(ctx, storagePath, data, contentType)
	}
	return err
}

func (s *Server) respondTooLarge(w http.ResponseWriter) {
	respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
		"error":  string(validate.FileTooLarge),
		"detail": fmt.Sprintf("upload exceeds maximum of %d bytes", s.cfg.MaxImageBytes),
	})
}

func validationStatus(reason validate.Reason) int {
	switch reason {
	case validate.FileTooLarge:
		return http.StatusRequestEntityTooLarge
	case validate.UnsupportedType:
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}

// imageResponse decorates a record with the CDN URLs of its variants.
type imageResponse struct {
	*model.ImageRecord
	URLs map[string]string `json:"urls"`
}

func (s *Server) withURLs(rec *model.ImageRecord) imageResponse {
	urls := make(map[string]string, len(variants.Sizes)+1)
	base := strings.TrimSuffix(s.cfg.CDNBaseURL, "/")
	urls[string(variants.Original)] = fmt.Sprintf("%s/cdn/file/%s", base, rec.Path)
	for _, size := range variants.Sizes {
		urls[string(size)] = fmt.Sprintf("%s/cdn/file/%s?size=%s", base, rec.Path, size)
	}
	return imageResponse{ImageRecord: rec, URLs: urls}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
