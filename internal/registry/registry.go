// Package registry holds deployed workflow definitions. Raw BPMN resources
// are kept as deployed and parsed on demand through an expirable cache, so a
// redeploy of the same process id takes effect without a restart.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caseworks/caseflow/pkg/bpmn/model"
	"github.com/caseworks/caseflow/pkg/cmmn"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

var ErrUnknownDefinition = errors.New("registry: unknown definition")

const (
	modelCacheSize = 128
	modelCacheTTL  = 5 * time.Minute
)

type Registry struct {
	mu         sync.RWMutex
	processXml map[string][]byte
	casePlans  map[string]*cmmn.CasePlanModel
	modelCache *expirable.LRU[string, *model.ProcessModel]
}

func New() *Registry {
	return &Registry{
		processXml: make(map[string][]byte),
		casePlans:  make(map[string]*cmmn.CasePlanModel),
		modelCache: expirable.NewLRU[string, *model.ProcessModel](modelCacheSize, nil, modelCacheTTL),
	}
}

// DeployProcessModel parses and stores a BPMN resource keyed by its process
// id. Redeploying an id replaces the previous resource.
func (r *Registry) DeployProcessModel(raw []byte) (*model.ProcessModel, error) {
	m, err := model.LoadFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse process resource: %w", err)
	}
	r.mu.Lock()
	r.processXml[m.ID] = raw
	r.mu.Unlock()
	r.modelCache.Remove(m.ID)
	return m, nil
}

// ProcessModel returns the parsed model for a deployed process id.
func (r *Registry) ProcessModel(id string) (*model.ProcessModel, error) {
	if m, ok := r.modelCache.Get(id); ok {
		return m, nil
	}
	r.mu.RLock()
	raw, ok := r.processXml[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: process %s", ErrUnknownDefinition, id)
	}
	m, err := model.LoadFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse process resource %s: %w", id, err)
	}
	r.modelCache.Add(id, m)
	return m, nil
}

func (r *Registry) DeployCasePlan(plan *cmmn.CasePlanModel) error {
	if plan.ID == "" {
		return errors.New("registry: case plan is missing an id")
	}
	r.mu.Lock()
	r.casePlans[plan.ID] = plan
	r.mu.Unlock()
	return nil
}

func (r *Registry) CasePlan(id string) (*cmmn.CasePlanModel, error) {
	r.mu.RLock()
	plan, ok := r.casePlans[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: case plan %s", ErrUnknownDefinition, id)
	}
	return plan, nil
}

// ProcessIds lists the ids of all deployed process resources.
func (r *Registry) ProcessIds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.processXml))
	for id := range r.processXml {
		ids = append(ids, id)
	}
	return ids
}

// CasePlanIds lists the ids of all deployed case plans.
func (r *Registry) CasePlanIds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.casePlans))
	for id := range r.casePlans {
		ids = append(ids, id)
	}
	return ids
}
