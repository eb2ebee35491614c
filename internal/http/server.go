package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Jmi2020/KITT-sub004/internal/log"
	"github.com/Jmi2020/KITT-sub004/pkg/models"
	"github.com/Jmi2020/KITT-sub004/pkg/service"
	"github.com/Jmi2020/KITT-sub004/pkg/storage"
)

// StartServer exposes the dispatch service over HTTP.
func StartServer(port string, svc *service.DispatchService) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/plans", PlansHandler(svc))
	mux.HandleFunc("/plans/", PlanByIDHandler(svc))
	mux.HandleFunc("/status", StatusHandler(svc))

	log.GetLogger().Infof("Starting dispatch server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "dispatch server is running")
}

// SubmitRequest is the POST /plans body.
type SubmitRequest struct {
	Name         string                         `json:"name"`
	Tasks        []models.TaskNode              `json:"tasks"`
	Dependencies map[string][]string            `json:"dependencies"`
	Priorities   map[string]models.TaskPriority `json:"priorities"`
}

// ExecuteRequest is the POST /plans/{id}/execute body.
type ExecuteRequest struct {
	Arguments map[string]map[string]string `json:"arguments"`
}

func PlansHandler(svc *service.DispatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			listPlansHTTP(w, r, svc)
		case http.MethodPost:
			submitPlanHTTP(w, r, svc)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func submitPlanHTTP(w http.ResponseWriter, r *http.Request, svc *service.DispatchService) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.GetLogger().Errorf("Invalid plan submission body: %v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	executionID, err := svc.SubmitPlan(req.Name, req.Tasks, req.Dependencies, req.Priorities)
	if err != nil {
		log.GetLogger().Errorf("Failed to submit plan: %v", err)
		http.Error(w, fmt.Sprintf("Failed to submit plan: %v", err), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"execution_id": executionID})
}

func listPlansHTTP(w http.ResponseWriter, r *http.Request, svc *service.DispatchService) {
	_ = r
	plans, err := svc.ListPlans()
	if err != nil {
		log.GetLogger().Errorf("Failed to list plans: %v", err)
		http.Error(w, fmt.Sprintf("Failed to list plans: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(plans)
}

// PlanByIDHandler serves GET /plans/{execution_id} and
// POST /plans/{execution_id}/execute.
func PlanByIDHandler(svc *service.DispatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/plans/")
		parts := strings.Split(strings.Trim(rest, "/"), "/")
		if len(parts) == 0 || parts[0] == "" {
			http.Error(w, "Missing execution ID", http.StatusBadRequest)
			return
		}
		executionID := parts[0]

		if len(parts) == 2 && parts[1] == "execute" && r.Method == http.MethodPost {
			executePlanHTTP(w, r, svc, executionID)
			return
		}
		if len(parts) == 1 && r.Method == http.MethodGet {
			getPlanHTTP(w, r, svc, executionID)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func getPlanHTTP(w http.ResponseWriter, r *http.Request, svc *service.DispatchService, executionID string) {
	_ = r
	plan, err := svc.GetPlan(executionID)
	if err != nil {
		if strings.Contains(err.Error(), storage.ErrNotFound.Error()) {
			http.Error(w, fmt.Sprintf("Plan '%s' not found", executionID), http.StatusNotFound)
			return
		}
		log.GetLogger().Errorf("Failed to get plan '%s': %v", executionID, err)
		http.Error(w, fmt.Sprintf("Failed to get plan: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(plan)
}

func executePlanHTTP(w http.ResponseWriter, r *http.Request, svc *service.DispatchService, executionID string) {
	var req ExecuteRequest
	if r.Body != nil {
		// An empty body means no task arguments.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	results, err := svc.ExecutePlan(r.Context(), executionID, req.Arguments)
	if err != nil {
		log.GetLogger().Errorf("Failed to execute plan '%s': %v", executionID, err)
		http.Error(w, fmt.Sprintf("Failed to execute plan: %v", err), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(results)
}

func StatusHandler(svc *service.DispatchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		report, err := svc.GetStatus()
		if err != nil {
			log.GetLogger().Errorf("Failed to build status report: %v", err)
			http.Error(w, fmt.Sprintf("Failed to build status report: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	}
}
