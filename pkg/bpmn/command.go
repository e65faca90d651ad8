package bpmn

type command interface {
}

// ---------------------------------------------------------------------

// pointerCommand asks the executor loop to examine one execution pointer.
type pointerCommand struct {
	pathId    string
	pointerId string
}

// ---------------------------------------------------------------------

type errorCommand struct {
	err         error
	elementId   string
	elementName string
}
