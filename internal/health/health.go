package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/hamzaKhattat/softphone-core/pkg/errors"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

type HealthService struct {
	mu          sync.RWMutex
	checks      map[string]Checker
	readyChecks map[string]Checker
	router      *mux.Router
	server      *http.Server
}

type Checker interface {
	Check(ctx context.Context) error
}

type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error {
	return f(ctx)
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	TotalTime string                 `json:"total_time,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

func NewHealthService(port int) *HealthService {
	hs := &HealthService{
		checks:      make(map[string]Checker),
		readyChecks: make(map[string]Checker),
	}

	hs.router = mux.NewRouter()
	hs.router.HandleFunc("/health/live", hs.handleLiveness).Methods("GET")
	hs.router.HandleFunc("/health/ready", hs.handleReadiness).Methods("GET")

	hs.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      hs.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return hs
}

// Router lets other components mount routes on the health listener.
func (hs *HealthService) Router() *mux.Router {
	return hs.router
}

func (hs *HealthService) Start() error {
	logger.WithField("addr", hs.server.Addr).Info("Health service started")
	if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (hs *HealthService) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hs.server.Shutdown(ctx)
}

func (hs *HealthService) RegisterLivenessCheck(name string, check Checker) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.checks[name] = check
}

func (hs *HealthService) RegisterReadinessCheck(name string, check Checker) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.readyChecks[name] = check
}

func (hs *HealthService) handleLiveness(w http.ResponseWriter, r *http.Request) {
	hs.handleCheck(w, r, hs.checks)
}

func (hs *HealthService) handleReadiness(w http.ResponseWriter, r *http.Request) {
	hs.handleCheck(w, r, hs.readyChecks)
}

type namedResult struct {
	name   string
	result CheckResult
}

func (hs *HealthService) handleCheck(w http.ResponseWriter, r *http.Request, checks map[string]Checker) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	start := time.Now()

	hs.mu.RLock()
	defer hs.mu.RUnlock()

	response := HealthResponse{
		Status:    "ok",
		Timestamp: start,
		Checks:    make(map[string]CheckResult),
	}

	var wg sync.WaitGroup
	resultChan := make(chan namedResult, len(checks))

	for name, check := range checks {
		wg.Add(1)
		go func(n string, c Checker) {
			defer wg.Done()

			checkStart := time.Now()
			err := c.Check(ctx)

			result := CheckResult{
				Status:   "ok",
				Duration: time.Since(checkStart).String(),
			}
			if err != nil {
				result.Status = "failed"
				result.Error = err.Error()
			}
			resultChan <- namedResult{n, result}
		}(name, check)
	}

	wg.Wait()
	close(resultChan)

	for res := range resultChan {
		response.Checks[res.name] = res.result
		if res.result.Status != "ok" {
			response.Status = "failed"
		}
	}

	response.TotalTime = time.Since(start).String()

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(response)
}

// Pinger is satisfied by the key-value stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

func StoreCheck(p Pinger) Checker {
	return CheckFunc(p.Ping)
}

// EngineCheck fails while the engine connection is down.
func EngineCheck(loggedIn func() bool) Checker {
	return CheckFunc(func(ctx context.Context) error {
		if !loggedIn() {
			return errors.New(errors.ErrEngineUnavailable, "engine is not connected")
		}
		return nil
	})
}

// LoopCheck fails until ready is closed or after done is closed.
func LoopCheck(ready, done <-chan struct{}) Checker {
	return CheckFunc(func(ctx context.Context) error {
		select {
		case <-done:
			return errors.New(errors.ErrInternal, "coordinator stopped")
		default:
		}
		select {
		case <-ready:
			return nil
		default:
			return errors.New(errors.ErrInternal, "coordinator not started")
		}
	})
}
