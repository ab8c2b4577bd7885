package metrics

import (
	"sync"
	"time"

	"liqflow/logger"
)

// Metric represents a structured metric event emitted within the application.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// Handler consumes structured metric events for downstream processing.
type Handler func(Metric)

// HandlerID uniquely identifies a registered metric handler.
type HandlerID uint64

var (
	handlersMu    sync.RWMutex
	handlers      = make(map[HandlerID]Handler)
	nextHandlerID HandlerID
)

// RegisterHandler registers a handler that will receive every emitted metric.
// A zero identifier is returned when the provided handler is nil.
func RegisterHandler(handler Handler) HandlerID {
	if handler == nil {
		return 0
	}

	handlersMu.Lock()
	defer handlersMu.Unlock()

	nextHandlerID++
	id := nextHandlerID
	handlers[id] = handler
	return id
}

// UnregisterHandler removes the handler associated with the given identifier.
func UnregisterHandler(id HandlerID) {
	if id == 0 {
		return
	}

	handlersMu.Lock()
	delete(handlers, id)
	handlersMu.Unlock()
}

func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}

	if metricType == "" {
		metricType = "counter"
	}

	userFields := cloneFields(fields)

	if log == nil {
		log = logger.GetLogger()
	}

	logFields := make(logger.Fields, len(userFields)+3)
	for k, v := range userFields {
		logFields[k] = v
	}
	logFields["metric"] = name
	logFields["metric_type"] = metricType
	logFields["value"] = value

	log.WithComponent(component).WithFields(logFields).Info("metric")

	metric := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    userFields,
	}

	dispatchMetric(metric)
	return metric, true
}

func dispatchMetric(metric Metric) {
	handlersMu.RLock()
	if len(handlers) == 0 {
		handlersMu.RUnlock()
		return
	}

	registered := make([]Handler, 0, len(handlers))
	for _, handler := range handlers {
		if handler != nil {
			registered = append(registered, handler)
		}
	}
	handlersMu.RUnlock()

	for _, handler := range registered {
		handler(metric)
	}
}

func cloneFields(fields logger.Fields) logger.Fields {
	if len(fields) == 0 {
		return logger.Fields{}
	}

	copied := make(logger.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}
