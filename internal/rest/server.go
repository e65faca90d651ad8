// Package rest exposes the workflow boundary over HTTP. Handlers stay thin:
// they deploy definitions into the registry, publish triggers to the bus or
// read instances back, all state semantics live in the engine packages.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/caseworks/caseflow/internal/bus"
	"github.com/caseworks/caseflow/internal/config"
	"github.com/caseworks/caseflow/internal/log"
	"github.com/caseworks/caseflow/internal/registry"
	"github.com/caseworks/caseflow/internal/rest/middleware"
	"github.com/caseworks/caseflow/pkg/bpmn"
	"github.com/caseworks/caseflow/pkg/cmmn"
	"github.com/caseworks/caseflow/pkg/eventstore"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ApiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type Server struct {
	addr     string
	server   *http.Server
	bus      *bus.Bus
	registry *registry.Registry
}

func NewServer(b *bus.Bus, reg *registry.Registry, conf config.Config) *Server {
	r := chi.NewRouter()
	s := Server{
		addr:     conf.Server.Addr,
		bus:      b,
		registry: reg,
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.Server.Addr,
		},
	}
	r.Use(middleware.Cors())
	r.Use(middleware.Opentelemetry(conf.Tracing))
	r.Route("/v1", func(r chi.Router) {
		r.Post("/process-definitions", s.deployProcessDefinition)
		r.Post("/case-definitions", s.deployCaseDefinition)
		r.Post("/processes/{id}/launch", s.launchProcess)
		r.Post("/processes/{id}/messages", s.publishProcessMessage)
		r.Post("/processes/{id}/user-tasks/{taskId}/complete", s.completeUserTask)
		r.Post("/processes/{id}/suspend", s.suspendProcess)
		r.Post("/processes/{id}/resume", s.resumeProcess)
		r.Get("/processes/{id}", s.getProcess)
		r.Post("/cases/{id}/launch", s.launchCase)
		r.Post("/cases/{id}/reactivate", s.reactivateCase)
		r.Post("/cases/{id}/elements/{elementId}/complete", s.completeCaseElement)
		r.Post("/cases/{id}/elements/{elementId}/start", s.startCaseElement)
		r.Post("/cases/{id}/variables", s.setCaseVariables)
		r.Get("/cases/{id}", s.getCase)
	})
	// register system endpoints
	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJson(w, http.StatusOK, b.Status())
		})
	})
	return &s
}

func (s *Server) Start() net.Listener {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		log.Error("failed to listen: %v", err)
	}
	log.Info("CaseFlow REST server listening on %s", s.addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Error starting server: %s", err)
		}
	}()
	return listener
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		log.Error("Error stopping server: %s", err)
	}
}

func (s *Server) deployProcessDefinition(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ApiError{Message: err.Error(), Type: "BAD_REQUEST"})
		return
	}
	m, err := s.registry.DeployProcessModel(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ApiError{Message: err.Error(), Type: "BAD_REQUEST"})
		return
	}
	writeJson(w, http.StatusCreated, map[string]string{"processId": m.ID})
}

func (s *Server) deployCaseDefinition(w http.ResponseWriter, r *http.Request) {
	var plan cmmn.CasePlanModel
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		writeError(w, r, http.StatusBadRequest, ApiError{Message: err.Error(), Type: "BAD_REQUEST"})
		return
	}
	if err := s.registry.DeployCasePlan(&plan); err != nil {
		writeError(w, r, http.StatusBadRequest, ApiError{Message: err.Error(), Type: "BAD_REQUEST"})
		return
	}
	writeJson(w, http.StatusCreated, map[string]string{"casePlanId": plan.ID})
}

func (s *Server) launchProcess(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NameIdentifier string `json:"nameIdentifier"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, http.StatusBadRequest, ApiError{Message: err.Error(), Type: "BAD_REQUEST"})
			return
		}
	}
	id, err := s.bus.LaunchProcess(r.Context(), chi.URLParam(r, "id"), body.NameIdentifier)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJson(w, http.StatusAccepted, map[string]string{"instanceId": id})
}

func (s *Server) publishProcessMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, ApiError{Message: err.Error(), Type: "BAD_REQUEST"})
		return
	}
	token := bpmn.MessageToken{Name: body.Name, Content: body.Content}
	if err := s.bus.PublishProcessMessage(r.Context(), chi.URLParam(r, "id"), token); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) completeUserTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Outcome []bpmn.MessageToken `json:"outcome"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, http.StatusBadRequest, ApiError{Message: err.Error(), Type: "BAD_REQUEST"})
			return
		}
	}
	err := s.bus.CompleteUserTask(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "taskId"), body.Outcome)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) suspendProcess(w http.ResponseWriter, r *http.Request) {
	if err := s.bus.SuspendProcess(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeProcess(w http.ResponseWriter, r *http.Request) {
	if err := s.bus.ResumeProcess(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getProcess(w http.ResponseWriter, r *http.Request) {
	instance, err := s.bus.Process(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, processView(instance))
}

func (s *Server) launchCase(w http.ResponseWriter, r *http.Request) {
	id, err := s.bus.LaunchCase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJson(w, http.StatusAccepted, map[string]string{"instanceId": id})
}

func (s *Server) reactivateCase(w http.ResponseWriter, r *http.Request) {
	if err := s.bus.ReactivateCase(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) completeCaseElement(w http.ResponseWriter, r *http.Request) {
	err := s.bus.CompleteCaseElement(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "elementId"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startCaseElement(w http.ResponseWriter, r *http.Request) {
	err := s.bus.StartCaseElement(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "elementId"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setCaseVariables(w http.ResponseWriter, r *http.Request) {
	var variables map[string]any
	if err := json.NewDecoder(r.Body).Decode(&variables); err != nil {
		writeError(w, r, http.StatusBadRequest, ApiError{Message: err.Error(), Type: "BAD_REQUEST"})
		return
	}
	if err := s.bus.SetCaseVariables(r.Context(), chi.URLParam(r, "id"), variables); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	instance, err := s.bus.Case(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, caseView(instance))
}

type CaseElementView struct {
	Id           string `json:"id"`
	DefinitionId string `json:"definitionId"`
	Type         string `json:"type"`
	State        string `json:"state"`
}

type CaseInstanceView struct {
	Id         string            `json:"id"`
	CasePlanId string            `json:"casePlanId"`
	Name       string            `json:"name"`
	State      string            `json:"state"`
	Variables  map[string]any    `json:"variables,omitempty"`
	Elements   []CaseElementView `json:"elements"`
}

func caseView(instance *cmmn.CasePlanInstance) CaseInstanceView {
	elements := make([]CaseElementView, 0, len(instance.Elements))
	for _, el := range instance.Elements {
		elements = append(elements, CaseElementView{
			Id:           el.ID,
			DefinitionId: el.DefinitionID,
			Type:         string(el.Type),
			State:        string(el.State),
		})
	}
	return CaseInstanceView{
		Id:         instance.ID,
		CasePlanId: instance.CasePlanID,
		Name:       instance.CasePlanName,
		State:      string(instance.State),
		Variables:  instance.Variables,
		Elements:   elements,
	}
}

type FlowNodeInstanceView struct {
	Id         string `json:"id"`
	FlowNodeId string `json:"flowNodeId"`
	State      string `json:"state"`
}

type ProcessInstanceView struct {
	Id             string                 `json:"id"`
	ProcessId      string                 `json:"processId"`
	NameIdentifier string                 `json:"nameIdentifier,omitempty"`
	Status         string                 `json:"status"`
	FlowNodes      []FlowNodeInstanceView `json:"flowNodes"`
}

func processView(instance *bpmn.ProcessInstance) ProcessInstanceView {
	nodes := make([]FlowNodeInstanceView, 0, len(instance.FlowNodeInstances))
	for _, fni := range instance.FlowNodeInstances {
		nodes = append(nodes, FlowNodeInstanceView{
			Id:         fni.ID,
			FlowNodeId: fni.FlowNodeID,
			State:      string(fni.State),
		})
	}
	return ProcessInstanceView{
		Id:             instance.ID,
		ProcessId:      instance.ProcessFileID,
		NameIdentifier: instance.NameIdentifier,
		Status:         string(instance.Status),
		FlowNodes:      nodes,
	}
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownDefinition), errors.Is(err, eventstore.ErrNotFound),
		errors.Is(err, cmmn.ErrUnknownElementInstance):
		writeError(w, r, http.StatusNotFound, ApiError{Message: err.Error(), Type: "NOT_FOUND"})
	case errors.Is(err, bus.ErrInstanceBusy), errors.Is(err, cmmn.ErrCaseNotRunning):
		writeError(w, r, http.StatusConflict, ApiError{Message: err.Error(), Type: "CONFLICT"})
	default:
		writeError(w, r, http.StatusInternalServerError, ApiError{Message: err.Error(), Type: "ERROR"})
	}
}

func writeJson(w http.ResponseWriter, status int, resp interface{}) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	body, err := json.Marshal(resp)
	if err != nil {
		log.Error("Server error: %s", err)
	} else {
		w.Write(body)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, resp interface{}) {
	w.WriteHeader(status)
	body, err := json.Marshal(resp)
	if err != nil {
		log.Error("Server error: %s", err)
	} else {
		w.Write(body)
	}
}
