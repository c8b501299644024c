package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theatreos/engine/internal/apperr"
	"github.com/theatreos/engine/internal/authz"
	"github.com/theatreos/engine/internal/crew"
	"github.com/theatreos/engine/internal/evidence"
	"github.com/theatreos/engine/internal/gate"
	"github.com/theatreos/engine/internal/kernel"
	"github.com/theatreos/engine/internal/models"
	"github.com/theatreos/engine/internal/realtime"
	"github.com/theatreos/engine/internal/rumor"
	"github.com/theatreos/engine/internal/scheduler"
	"github.com/theatreos/engine/internal/storage"
	"github.com/theatreos/engine/internal/themepack"
	tracepkg "github.com/theatreos/engine/internal/trace"
)

// requestTimeout bounds every request's storage work.
const requestTimeout = 15 * time.Second

// Deps wires the router to the engines.
type Deps struct {
	Store    *storage.Store
	Registry *themepack.Registry
	Kernel   *kernel.Kernel
	Planner  *scheduler.Planner
	Gates    *gate.Engine
	Evidence *evidence.Engine
	Rumors   *rumor.Engine
	Traces   *tracepkg.Engine
	Crews    *crew.Engine
	Hub      *realtime.Hub
	Authz    *authz.Service
}

// Handler holds the dependencies behind every route.
type Handler struct {
	deps Deps
}

type ctxKey int

const userKey ctxKey = 0

// NewRouter builds the chi mux with middleware and every route mounted.
func NewRouter(deps Deps) http.Handler {
	h := &Handler{deps: deps}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.authenticate)

		// Long-lived streams sit outside the request timeout; everything
		// else gets the deadline.
		r.Group(func(r chi.Router) {
			r.Get("/theatres/{theatreID}/stream", h.serveSSE)
			r.Get("/theatres/{theatreID}/ws", h.serveWS)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Route("/theatres", func(r chi.Router) {
				r.Post("/", h.createTheatre)
				r.Get("/{theatreID}", h.getTheatre)
				r.Get("/{theatreID}/state", h.getWorldState)
				r.Post("/{theatreID}/deltas", h.applyDelta)
				r.Post("/{theatreID}/snapshots", h.takeSnapshot)
				r.Get("/{theatreID}/snapshots/latest", h.latestSnapshot)
				r.Get("/{theatreID}/events", h.replayEvents)
				r.Get("/{theatreID}/stages", h.listStages)
				r.Post("/{theatreID}/stages", h.upsertStage)
				r.Get("/{theatreID}/plans/{slotStart}", h.getPlan)
				r.Post("/{theatreID}/plans", h.planSlot)
				r.Post("/{theatreID}/bind", h.bindPack)
				r.Post("/{theatreID}/gates", h.planGate)
				r.Get("/{theatreID}/rumors", h.listRumors)
				r.Get("/{theatreID}/heat", h.stageHeat)
				r.Get("/{theatreID}/archive/evidence", h.archiveEvidence)
				r.Get("/{theatreID}/archive/rumors", h.archiveRumors)
				r.Get("/{theatreID}/archive/traces", h.archiveTraces)
				r.Get("/{theatreID}/wallet", h.getWallet)
				r.Post("/{theatreID}/wallet/credit", h.creditWallet)
			})

			r.Route("/gates/{gateID}", func(r chi.Router) {
				r.Get("/", h.getGate)
				r.Post("/votes", h.vote)
				r.Post("/stakes", h.stake)
				r.Post("/cancel", h.cancelGate)
			})

			r.Route("/evidence", func(r chi.Router) {
				r.Post("/", h.grantEvidence)
				r.Get("/{evidenceID}", h.getEvidence)
				r.Get("/", h.listEvidence)
				r.Post("/{evidenceID}/transfer", h.transferEvidence)
				r.Post("/{evidenceID}/consume", h.consumeEvidence)
				r.Post("/{evidenceID}/verify", h.verifyEvidence)
			})

			r.Route("/rumors", func(r chi.Router) {
				r.Post("/", h.draftRumor)
				r.Post("/{rumorID}/publish", h.publishRumor)
				r.Post("/{rumorID}/spread", h.spreadRumor)
				r.Post("/{rumorID}/debunk", h.debunkRumor)
			})

			r.Route("/traces", func(r chi.Router) {
				r.Post("/", h.leaveTrace)
				r.Post("/{traceID}/discover", h.discoverTrace)
				r.Get("/stage/{stageID}", h.listTraces)
				r.Get("/stage/{stageID}/density", h.traceDensity)
			})

			r.Route("/crews", func(r chi.Router) {
				r.Post("/", h.createCrew)
				r.Get("/{crewID}", h.getCrew)
				r.Post("/{crewID}/join", h.joinCrew)
				r.Post("/{crewID}/leave", h.leaveCrew)
				r.Post("/{crewID}/transfer", h.transferCrewLead)
				r.Post("/{crewID}/disband", h.disbandCrew)
				r.Post("/{crewID}/actions", h.initiateAction)
				r.Post("/actions/{actionID}/join", h.joinAction)
				r.Post("/actions/{actionID}/complete", h.completeAction)
				r.Get("/{crewID}/pool", h.crewPool)
				r.Post("/{crewID}/pool/share", h.shareResource)
				r.Post("/{crewID}/pool/claim", h.claimResource)
			})

			r.Route("/packs", func(r chi.Router) {
				r.Get("/", h.listPacks)
				r.Get("/{packID}/validate", h.validatePack)
			})

			r.Post("/users", h.createUser)
			r.Post("/tokens/revoke", h.revokeToken)
		})
	})

	return r
}

// authenticate resolves the caller from the X-User-ID header the
// out-of-scope auth layer injected after token verification. No user
// header means guest.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		user := models.User{Role: models.RoleGuest}
		if userID != "" {
			u, err := h.deps.Store.GetUser(r.Context(), userID)
			if err != nil {
				if apperr.KindOf(err) == apperr.NotFound {
					writeError(w, apperr.Forbiddenf("unknown user %q", userID))
					return
				}
				writeError(w, err)
				return
			}
			if !u.Active {
				writeError(w, apperr.Forbiddenf("user %q is inactive", userID))
				return
			}
			user = u
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func caller(r *http.Request) models.User {
	u, _ := r.Context().Value(userKey).(models.User)
	return u
}

// require checks the caller's permission for one (resource, action).
func (h *Handler) require(w http.ResponseWriter, r *http.Request, resource, action string) bool {
	if err := h.deps.Authz.Require(caller(r).Role, resource, action); err != nil {
		writeError(w, err)
		return false
	}
	return true
}
