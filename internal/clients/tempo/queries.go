package tempo

import "fmt"

// BuildServiceQuery constructs a TraceQL query to find all traces involving a specific service.
func BuildServiceQuery(serviceName string) string {
	return fmt.Sprintf("{ resource.service.name = \"%s\" }", serviceName)
}

// BuildErrorSpansQuery constructs a TraceQL query to retrieve spans marked with an error status for a specific service.
func BuildErrorSpansQuery(serviceName string) string {
	return fmt.Sprintf("{ resource.service.name = \"%s\" && status = error }", serviceName)
}
