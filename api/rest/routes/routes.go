package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/bldst/buildstate/api/rest/handlers"
	"github.com/bldst/buildstate/pkg/artifactstore"
	"github.com/bldst/buildstate/pkg/dispatch"
	"github.com/bldst/buildstate/pkg/ledger"
	"github.com/bldst/buildstate/pkg/resume"
	"github.com/bldst/buildstate/pkg/storage"
)

// Deps carries everything the HTTP layer needs.
type Deps struct {
	Store   storage.Store
	Ledger  *ledger.Ledger
	Builder *resume.Builder
	Tracker *dispatch.Tracker
	Stater  artifactstore.Stater // nil disables /stat endpoints
}

// Setup mounts all API routes on the router.
func Setup(r *mux.Router, d Deps) {
	buildHandler := handlers.NewBuildHandler(d.Store, d.Ledger)
	artifactHandler := handlers.NewArtifactHandler(d.Store, d.Stater)
	variableHandler := handlers.NewVariableHandler(d.Store)
	policyHandler := handlers.NewPolicyHandler(d.Store)
	resumeHandler := handlers.NewResumeHandler(d.Builder, d.Tracker)

	api := r.PathPrefix("/v1").Subrouter()

	// Build endpoints
	api.HandleFunc("/builds", buildHandler.CreateBuild).Methods("POST")
	api.HandleFunc("/builds", buildHandler.ListBuilds).Methods("GET")
	api.HandleFunc("/builds/{id}", buildHandler.GetBuild).Methods("GET")
	api.HandleFunc("/builds/{id}/transitions", buildHandler.RecordTransition).Methods("POST")
	api.HandleFunc("/builds/{id}/state", buildHandler.GetState).Methods("GET")

	// Artifact endpoints
	api.HandleFunc("/builds/{id}/artifacts", artifactHandler.RegisterArtifact).Methods("POST")
	api.HandleFunc("/builds/{id}/artifacts", artifactHandler.ListArtifacts).Methods("GET")
	api.HandleFunc("/artifacts/{id}", artifactHandler.DeleteArtifact).Methods("DELETE")
	api.HandleFunc("/artifacts/{id}/stat", artifactHandler.StatArtifact).Methods("GET")

	// Variable endpoints
	api.HandleFunc("/builds/{id}/variables/{key}", variableHandler.SetVariable).Methods("PUT")
	api.HandleFunc("/builds/{id}/variables", variableHandler.ListVariables).Methods("GET")

	// Project and resume-policy endpoints
	api.HandleFunc("/projects", policyHandler.CreateProject).Methods("POST")
	api.HandleFunc("/projects/{id}", policyHandler.GetProject).Methods("GET")
	api.HandleFunc("/projects/{id}/resume-policies/{state}", policyHandler.UpsertPolicy).Methods("PUT")
	api.HandleFunc("/projects/{id}/resume-policies/{state}", policyHandler.GetPolicy).Methods("GET")
	api.HandleFunc("/projects/{id}/resume-policies", policyHandler.ListPolicies).Methods("GET")

	// Resume endpoints
	api.HandleFunc("/builds/{id}/resume-context", resumeHandler.GetContext).Methods("GET")
	api.HandleFunc("/builds/{id}/resume", resumeHandler.RequestResume).Methods("POST")
	api.HandleFunc("/builds/{id}/resume-requests", resumeHandler.ListRequests).Methods("GET")
	api.HandleFunc("/resume-requests/{id}", resumeHandler.GetRequest).Methods("GET")
	api.HandleFunc("/resume-requests/{id}/cancel", resumeHandler.CancelRequest).Methods("POST")

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
}
