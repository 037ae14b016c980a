// Package api provides HTTP handlers for the Minerva tile server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/minerva-story/server/internal/cache"
	"github.com/minerva-story/server/internal/channel"
	"github.com/minerva-story/server/internal/fetch"
	"github.com/minerva-story/server/internal/jobstore"
	"github.com/minerva-story/server/internal/service"
	"github.com/minerva-story/server/internal/story"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Images      *ImageRegistry
	Sessions    *service.SessionService
	Cache       *cache.Manager
	Stories     *story.Store
	Credentials *fetch.CredentialsHolder
	JobManager  *JobManager
	CORSOrigins []string
}

type contextKey string

const sessionKey contextKey = "session"

const (
	maxBodyBytes = 4 << 20
	minTileSize  = 16
	maxTileSize  = 4096
)

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/images", imagesHandler(cfg.Images))
		r.Get("/images/{uuid}", imageHandler(cfg.Images))

		r.Put("/credentials", credentialsHandler(cfg.Credentials))

		r.Get("/cache", cacheStatsHandler(cfg.Cache))
		r.Delete("/cache/composites", cachePurgeHandler(cfg.Cache))

		r.Post("/sessions", sessionCreateHandler(cfg.Sessions))
		r.Route("/sessions/{sid}", func(r chi.Router) {
			r.Use(sessionMiddleware(cfg.Sessions))
			r.Delete("/", sessionDeleteHandler(cfg.Sessions))
			r.Put("/channels", sessionChannelsHandler)
			r.Put("/group", sessionGroupHandler(cfg.Stories))
			r.Get("/layers", sessionLayersHandler)
			r.Get("/tiles/{level}/{x}/{y}.png", sessionTileHandler(cfg.Stories))
		})

		r.Route("/stories", func(r chi.Router) {
			r.Post("/", storyCreateHandler(cfg.Stories, cfg.Images))
			r.Get("/", storyListHandler(cfg.Stories))
			r.Get("/{uuid}", storyGetHandler(cfg.Stories))
			r.Put("/{uuid}", storyUpdateHandler(cfg.Stories, cfg.Images))
			r.Delete("/{uuid}", storyDeleteHandler(cfg.Stories))
			r.Post("/{uuid}/publish", publishSubmitHandler(cfg.Stories, cfg.JobManager))
			r.Get("/{uuid}/jobs", storyJobsHandler(cfg.JobManager))
		})

		r.Get("/jobs/{job_id}", jobStatusHandler(cfg.JobManager))
		r.Delete("/jobs/{job_id}", jobCancelHandler(cfg.JobManager))
	})

	return r
}

// statusFor maps service and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrImageNotFound),
		errors.Is(err, service.ErrTileOutOfRange),
		errors.Is(err, service.ErrWaypointNotFound),
		errors.Is(err, story.ErrNotFound),
		errors.Is(err, story.ErrGroupNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidChannels),
		errors.Is(err, story.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// Images

func imagesHandler(registry *ImageRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"images": registry.Images(),
		})
	}
}

func imageHandler(registry *ImageRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "uuid")
		img, ok := registry.Image(id)
		if !ok {
			http.Error(w, "image not found: "+id, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, img)
	}
}

// credentialsHandler replaces the credentials every fetcher signs with.
func credentialsHandler(holder *fetch.CredentialsHolder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if holder == nil {
			http.Error(w, "credentials not configured", http.StatusNotImplemented)
			return
		}
		var creds fetch.Credentials
		if err := decodeBody(r, &creds); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if creds.Empty() {
			http.Error(w, "AccessKeyId and SecretAccessKey are required", http.StatusBadRequest)
			return
		}
		holder.Set(creds)
		w.WriteHeader(http.StatusNoContent)
	}
}

func cacheStatsHandler(cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cm == nil {
			http.Error(w, "cache not configured", http.StatusNotImplemented)
			return
		}
		writeJSON(w, http.StatusOK, cm.Stats())
	}
}

// cachePurgeHandler drops rendered composites; raw tiles stay cached.
func cachePurgeHandler(cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cm == nil {
			http.Error(w, "cache not configured", http.StatusNotImplemented)
			return
		}
		cm.PurgeComposites()
		w.WriteHeader(http.StatusNoContent)
	}
}

// Sessions

func sessionMiddleware(svc *service.SessionService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := svc.Get(chi.URLParam(r, "sid"))
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSession(r *http.Request) *service.Session {
	if sess, ok := r.Context().Value(sessionKey).(*service.Session); ok {
		return sess
	}
	return nil
}

type sessionCreateRequest struct {
	ImageUUID string `json:"image_uuid"`
}

func sessionCreateHandler(svc *service.SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sessionCreateRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ImageUUID == "" {
			http.Error(w, "image_uuid is required", http.StatusBadRequest)
			return
		}
		sess, err := svc.Create(req.ImageUUID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"session_id": sess.ID(),
			"image_uuid": req.ImageUUID,
			"created_at": sess.CreatedAt(),
		})
	}
}

func sessionDeleteHandler(svc *service.SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Delete(chi.URLParam(r, "sid")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type channelsRequest struct {
	ImageUUID string      `json:"image_uuid"`
	Channels  channel.Set `json:"channels"`
}

func sessionChannelsHandler(w http.ResponseWriter, r *http.Request) {
	var req channelsRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Channels == nil {
		req.Channels = channel.Set{}
	}
	delta, err := getSession(r).Update(r.Context(), req.ImageUUID, req.Channels)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delta)
}

type groupRequest struct {
	StoryUUID string `json:"story_uuid"`
	Group     string `json:"group"`
}

func sessionGroupHandler(stories *story.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req groupRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		st, err := stories.Get(req.StoryUUID)
		if err != nil {
			writeError(w, err)
			return
		}
		delta, err := getSession(r).ShowGroup(r.Context(), st, req.Group)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, delta)
	}
}

func sessionLayersHandler(w http.ResponseWriter, r *http.Request) {
	info, err := getSession(r).Info(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func sessionTileHandler(stories *story.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.TileRequest
		for _, p := range []struct {
			name string
			dst  *int
		}{{"level", &req.Level}, {"x", &req.X}, {"y", &req.Y}} {
			v, err := strconv.Atoi(chi.URLParam(r, p.name))
			if err != nil {
				http.Error(w, "invalid "+p.name, http.StatusBadRequest)
				return
			}
			*p.dst = v
		}

		query := r.URL.Query()
		size, err := parseTileSize(query.Get("size"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Size = size

		if raw := strings.TrimSpace(query.Get("waypoint")); raw != "" {
			idx, err := strconv.Atoi(raw)
			if err != nil {
				http.Error(w, "invalid waypoint", http.StatusBadRequest)
				return
			}
			storyID := query.Get("story")
			if storyID == "" {
				http.Error(w, "waypoint requires story", http.StatusBadRequest)
				return
			}
			st, err := stories.Get(storyID)
			if err != nil {
				writeError(w, err)
				return
			}
			wp, ok := st.Waypoint(idx)
			if !ok {
				writeError(w, fmt.Errorf("%w: %s#%d", service.ErrWaypointNotFound, storyID, idx))
				return
			}
			req.Waypoint = &wp
			// Saving a story changes the key, so edited annotations are redrawn.
			req.WaypointKey = fmt.Sprintf("%s#%d@%d", st.UUID, idx, st.UpdatedAt.UnixNano())
		}

		data, err := getSession(r).RenderTile(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(data)
	}
}

func parseTileSize(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < minTileSize || v > maxTileSize {
		return 0, fmt.Errorf("size must be an integer in [%d, %d]", minTileSize, maxTileSize)
	}
	return v, nil
}

// Stories

func checkImage(images *ImageRegistry, st *story.Story) error {
	if images == nil {
		return nil
	}
	if _, ok := images.Image(st.ImageUUID); !ok {
		return fmt.Errorf("%w: unknown image %q", story.ErrInvalid, st.ImageUUID)
	}
	return nil
}

func storyCreateHandler(stories *story.Store, images *ImageRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var st story.Story
		if err := decodeBody(r, &st); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		st.UUID = ""
		if err := checkImage(images, &st); err != nil {
			writeError(w, err)
			return
		}
		if err := stories.Save(&st); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, &st)
	}
}

func storyListHandler(stories *story.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := stories.List()
		if err != nil {
			writeError(w, err)
			return
		}
		if list == nil {
			list = []story.Summary{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"stories": list,
			"total":   len(list),
		})
	}
}

func storyGetHandler(stories *story.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := stories.Get(chi.URLParam(r, "uuid"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func storyUpdateHandler(stories *story.Store, images *ImageRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "uuid")
		if _, err := stories.Get(id); err != nil {
			writeError(w, err)
			return
		}
		var st story.Story
		if err := decodeBody(r, &st); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		st.UUID = id
		if err := checkImage(images, &st); err != nil {
			writeError(w, err)
			return
		}
		if err := stories.Save(&st); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, &st)
	}
}

func storyDeleteHandler(stories *story.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := stories.Delete(chi.URLParam(r, "uuid")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Publish jobs

type publishRequest struct {
	Groups   []string `json:"groups"`
	MinLevel *int     `json:"min_level"`
	MaxLevel *int     `json:"max_level"`
}

func publishSubmitHandler(stories *story.Store, jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		id := chi.URLParam(r, "uuid")
		st, err := stories.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}

		var req publishRequest
		if r.ContentLength != 0 {
			if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		for _, name := range req.Groups {
			if _, err := st.Group(name); err != nil {
				writeError(w, err)
				return
			}
		}
		if req.MinLevel != nil && req.MaxLevel != nil && *req.MinLevel > *req.MaxLevel {
			http.Error(w, "min_level is greater than max_level", http.StatusBadRequest)
			return
		}

		job, err := jm.Submit(jobstore.PublishParams{
			StoryUUID: id,
			Groups:    req.Groups,
			MinLevel:  req.MinLevel,
			MaxLevel:  req.MaxLevel,
		})
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if job.Error == ErrQueueFull.Error() {
			http.Error(w, ErrQueueFull.Error(), http.StatusServiceUnavailable)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func storyJobsHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobs, err := jm.ListByStory(chi.URLParam(r, "uuid"))
		if err != nil {
			writeError(w, err)
			return
		}
		if jobs == nil {
			jobs = []*jobstore.PublishJob{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
	}
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// jobCancelHandler cancels an unfinished job and deletes a finished one.
func jobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		if job.Status.Finished() {
			if err := jm.Delete(jobID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"job_id":  jobID,
				"deleted": true,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    jobID,
			"cancelled": jm.Cancel(jobID),
		})
	}
}
