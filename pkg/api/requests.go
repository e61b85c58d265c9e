package api

// CredentialRequest is the create/update body for hop credentials.
// PrivateKey carries PEM material on create only; it is written to the
// key directory and never echoed back.
type CredentialRequest struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	Auth        string `json:"auth"`
	PrivateKey  string `json:"privateKey,omitempty"`
	DefaultPath string `json:"defaultPath,omitempty"`
}

// ConnectRequest opens a hop session. Password and passphrase live only
// for the duration of the request.
type ConnectRequest struct {
	Credential string `json:"credential"`
	Password   string `json:"password,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// ContextRequest names a hop context for disconnect/hop operations.
type ContextRequest struct {
	ContextID string `json:"contextId"`
}

// SendFilesRequest uploads workspace files to a connected context.
type SendFilesRequest struct {
	ContextID string   `json:"contextId"`
	Paths     []string `json:"paths"`
	Dest      string   `json:"dest"`
}
