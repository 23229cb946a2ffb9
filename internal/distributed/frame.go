package distributed

import "encoding/json"

// Frame is the wire envelope exchanged over a session's persistent
// framed control channel.
type Frame struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

const (
	frameRegisterTools      = "register_tools"
	frameUpdatePlaceholders = "update_placeholders"
	frameToolRequest        = "tool_request"
	frameToolResponse       = "tool_response"
	frameFileRequest        = "file_request"
	frameFileResponse       = "file_response"
	frameHeartbeat          = "heartbeat"
)

// remoteManifest is the wire shape of one manifest entry a node declares
// in a register_tools frame.
type remoteManifest struct {
	Name         string `json:"name"`
	DisplayName  string `json:"displayName"`
	PluginType   string `json:"pluginType"`
	EntryCommand string `json:"entryCommand"`
	TimeoutMs    int    `json:"timeoutMs"`
}

type registerToolsPayload struct {
	Manifests []remoteManifest `json:"manifests"`
}

type updatePlaceholdersPayload struct {
	Values map[string]string `json:"values"`
}

// toolRequestPayload is sent core -> node for executeDistributedTool.
type toolRequestPayload struct {
	ToolName string      `json:"toolName"`
	Args     interface{} `json:"args"`
}

// toolResponsePayload is the node -> core reply, sharing the same
// success/error shape stdio plugins emit.
type toolResponsePayload struct {
	Status string      `json:"status"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
	Code   string      `json:"code,omitempty"`
}

type fileRequestPayload struct {
	FileURL string `json:"fileUrl"`
}

type fileResponsePayload struct {
	DataURI string `json:"dataUri"`
	Error   string `json:"error,omitempty"`
}
