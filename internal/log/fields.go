package log

// Attribute keys shared by every component.
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldClientIP   = "client_ip"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldOperation  = "operation"
	FieldNamespace  = "namespace"
	FieldKind       = "kind"
	FieldAmount     = "amount"
	FieldResult     = "result"
)

// Component names.
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentSync      = "sync"
	ComponentStorage   = "storage"
	ComponentRemote    = "remote"
	ComponentScheduler = "scheduler"
	ComponentSignIn    = "signin"
	ComponentAMQP      = "amqp"
	ComponentNetwork   = "network"
	ComponentCLI       = "cli"
)

// Operation names.
const (
	OpPush     = "push"
	OpPull     = "pull"
	OpSync     = "sync"
	OpShutdown = "shutdown"
)
