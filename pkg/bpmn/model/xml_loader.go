package model

import (
	"crypto/md5"
	"encoding/xml"
	"fmt"
	"os"
)

// LoadFromFile parses a BPMN file into a ProcessModel.
func LoadFromFile(filename string) (*ProcessModel, error) {
	xmlData, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load from file: %w", err)
	}
	return LoadFromBytes(xmlData)
}

// LoadFromBytes parses BPMN XML into a ProcessModel.
func LoadFromBytes(xmlData []byte) (*ProcessModel, error) {
	var definitions tDefinitions
	if err := xml.Unmarshal(xmlData, &definitions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal xml data: %w", err)
	}

	proc := definitions.Process
	m := &ProcessModel{
		ID:       proc.Id,
		Name:     proc.Name,
		Checksum: md5.Sum(xmlData),
	}

	for _, e := range proc.StartEvents {
		m.Nodes = append(m.Nodes, e.flowNode(FlowNodeKindStartEvent))
	}
	for _, e := range proc.EndEvents {
		m.Nodes = append(m.Nodes, e.flowNode(FlowNodeKindEndEvent))
	}
	for _, e := range proc.Tasks {
		m.Nodes = append(m.Nodes, e.flowNode(FlowNodeKindTask))
	}
	for _, e := range proc.UserTasks {
		m.Nodes = append(m.Nodes, e.flowNode(FlowNodeKindUserTask))
	}
	for _, e := range proc.ServiceTasks {
		m.Nodes = append(m.Nodes, e.flowNode(FlowNodeKindServiceTask))
	}
	for _, e := range proc.ExclusiveGateways {
		m.Nodes = append(m.Nodes, e.flowNode(FlowNodeKindExclusiveGateway))
	}
	for _, e := range proc.ParallelGateways {
		m.Nodes = append(m.Nodes, e.flowNode(FlowNodeKindParallelGateway))
	}
	for _, e := range proc.IntermediateCatchEvents {
		m.Nodes = append(m.Nodes, e.flowNode(FlowNodeKindIntermediateCatchEvent))
	}
	for _, e := range proc.IntermediateThrowEvents {
		m.Nodes = append(m.Nodes, e.flowNode(FlowNodeKindIntermediateThrowEvent))
	}

	for _, f := range proc.SequenceFlows {
		m.SequenceFlows = append(m.SequenceFlows, SequenceFlow{
			EltID:               f.Id,
			SourceRef:           f.SourceRef,
			TargetRef:           f.TargetRef,
			ConditionExpression: f.ConditionExpression.Value,
		})
	}
	for _, msg := range definitions.Messages {
		m.Messages = append(m.Messages, Message{
			EltID:   msg.Id,
			Name:    msg.Name,
			ItemRef: msg.ItemRef,
		})
	}
	for _, item := range definitions.ItemDefinitions {
		m.Items = append(m.Items, ItemDefinition{
			EltID:        item.Id,
			StructureRef: item.StructureRef,
			IsCollection: item.IsCollection,
		})
	}
	for _, itf := range definitions.Interfaces {
		res := Interface{EltID: itf.Id, Name: itf.Name}
		for _, op := range itf.Operations {
			res.Operations = append(res.Operations, Operation{
				EltID:      op.Id,
				Name:       op.Name,
				InMessage:  op.InMessageRef,
				OutMessage: op.OutMessageRef,
			})
		}
		m.Interfaces = append(m.Interfaces, res)
	}
	return m, nil
}

type tDefinitions struct {
	XMLName         xml.Name          `xml:"definitions"`
	Process         tProcess          `xml:"process"`
	Messages        []tMessage        `xml:"message"`
	ItemDefinitions []tItemDefinition `xml:"itemDefinition"`
	Interfaces      []tInterface      `xml:"interface"`
}

type tProcess struct {
	Id                      string          `xml:"id,attr"`
	Name                    string          `xml:"name,attr"`
	StartEvents             []tFlowNode     `xml:"startEvent"`
	EndEvents               []tFlowNode     `xml:"endEvent"`
	Tasks                   []tFlowNode     `xml:"task"`
	UserTasks               []tFlowNode     `xml:"userTask"`
	ServiceTasks            []tFlowNode     `xml:"serviceTask"`
	ExclusiveGateways       []tFlowNode     `xml:"exclusiveGateway"`
	ParallelGateways        []tFlowNode     `xml:"parallelGateway"`
	IntermediateCatchEvents []tFlowNode     `xml:"intermediateCatchEvent"`
	IntermediateThrowEvents []tFlowNode     `xml:"intermediateThrowEvent"`
	SequenceFlows           []tSequenceFlow `xml:"sequenceFlow"`
}

type tEventDefinition struct {
	MessageRef   string `xml:"messageRef,attr"`
	OperationRef string `xml:"operationRef,attr"`
	TimeDuration string `xml:"timeDuration"`
}

type tFlowNode struct {
	Id                      string             `xml:"id,attr"`
	Name                    string             `xml:"name,attr"`
	MessageEventDefinitions []tEventDefinition `xml:"messageEventDefinition"`
	TimerEventDefinitions   []tEventDefinition `xml:"timerEventDefinition"`
}

func (n tFlowNode) flowNode(kind FlowNodeKind) FlowNode {
	res := FlowNode{
		EltID: n.Id,
		Name:  n.Name,
		Kind:  kind,
	}
	for _, ed := range n.MessageEventDefinitions {
		res.EventDefinitions = append(res.EventDefinitions, EventDefinition{
			MessageRef:   ed.MessageRef,
			OperationRef: ed.OperationRef,
		})
	}
	for _, ed := range n.TimerEventDefinitions {
		res.EventDefinitions = append(res.EventDefinitions, EventDefinition{
			TimerDuration: ed.TimeDuration,
		})
	}
	return res
}

type tExpression struct {
	Value string `xml:",chardata"`
}

type tSequenceFlow struct {
	Id                  string      `xml:"id,attr"`
	SourceRef           string      `xml:"sourceRef,attr"`
	TargetRef           string      `xml:"targetRef,attr"`
	ConditionExpression tExpression `xml:"conditionExpression"`
}

type tMessage struct {
	Id      string `xml:"id,attr"`
	Name    string `xml:"name,attr"`
	ItemRef string `xml:"itemRef,attr"`
}

type tItemDefinition struct {
	Id           string `xml:"id,attr"`
	StructureRef string `xml:"structureRef,attr"`
	IsCollection bool   `xml:"isCollection,attr"`
}

type tOperation struct {
	Id            string `xml:"id,attr"`
	Name          string `xml:"name,attr"`
	InMessageRef  string `xml:"inMessageRef"`
	OutMessageRef string `xml:"outMessageRef"`
}

type tInterface struct {
	Id         string       `xml:"id,attr"`
	Name       string       `xml:"name,attr"`
	Operations []tOperation `xml:"operation"`
}
