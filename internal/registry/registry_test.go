package registry

import (
	"testing"

	"github.com/caseworks/caseflow/pkg/cmmn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var invoiceProcessXml = []byte(`<?xml version="1.0" encoding="UTF-8"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="invoice" name="Invoice">
    <startEvent id="start"/>
    <endEvent id="done"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="done"/>
  </process>
</definitions>`)

func TestDeployAndResolveProcessModel(t *testing.T) {
	// setup
	reg := New()

	// when
	deployed, err := reg.DeployProcessModel(invoiceProcessXml)
	require.NoError(t, err)

	// then
	assert.Equal(t, "invoice", deployed.ID)

	m, err := reg.ProcessModel("invoice")
	require.NoError(t, err)
	assert.Equal(t, "Invoice", m.Name)

	// and a second lookup is served from the cache
	again, err := reg.ProcessModel("invoice")
	require.NoError(t, err)
	assert.Same(t, m, again)
}

func TestDeployReplacesProcessModel(t *testing.T) {
	// setup
	reg := New()
	_, err := reg.DeployProcessModel(invoiceProcessXml)
	require.NoError(t, err)
	_, err = reg.ProcessModel("invoice")
	require.NoError(t, err)

	// when the same id is redeployed with a new name
	updated := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="invoice" name="Invoice v2">
    <startEvent id="start"/>
    <endEvent id="done"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="done"/>
  </process>
</definitions>`)
	_, err = reg.DeployProcessModel(updated)
	require.NoError(t, err)

	// then the cache entry was invalidated
	m, err := reg.ProcessModel("invoice")
	require.NoError(t, err)
	assert.Equal(t, "Invoice v2", m.Name)
}

func TestUnknownDefinitions(t *testing.T) {
	// setup
	reg := New()

	// when / then
	_, err := reg.ProcessModel("missing")
	assert.ErrorIs(t, err, ErrUnknownDefinition)
	_, err = reg.CasePlan("missing")
	assert.ErrorIs(t, err, ErrUnknownDefinition)
}

func TestDeployCasePlan(t *testing.T) {
	// setup
	reg := New()
	plan := cmmn.NewCasePlanBuilder("audit", "Audit").
		AddPlanItem(cmmn.NewTask("inspect", "Inspect")).
		Build()

	// when
	err := reg.DeployCasePlan(plan)
	require.NoError(t, err)

	// then
	got, err := reg.CasePlan("audit")
	require.NoError(t, err)
	assert.Same(t, plan, got)

	// and a plan without an id is refused
	assert.Error(t, reg.DeployCasePlan(&cmmn.CasePlanModel{}))
}
