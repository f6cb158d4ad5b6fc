package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/twingraph/goflow/internal/errs"
)

// RemoteShellDriver opens an authenticated SSH session to a configured host,
// uploads the materialized script via SFTP, runs it with the configured
// interpreter, and captures stdout (spec §4.6.7). Key-file auth is preferred;
// it falls back to the running ssh-agent when no key file is configured.
type RemoteShellDriver struct {
	DialTimeout time.Duration
}

// NewRemoteShellDriver constructs a driver with a 15s dial timeout.
func NewRemoteShellDriver() *RemoteShellDriver {
	return &RemoteShellDriver{DialTimeout: 15 * time.Second}
}

func (d *RemoteShellDriver) SupportedLanguages() []string { return []string{"python", "shell"} }

func (d *RemoteShellDriver) Validate(config map[string]any) error {
	return requireKeys(config, "hostname", "username")
}

func (d *RemoteShellDriver) Execute(ctx context.Context, fn FunctionDescriptor, encodedInputs map[string]any, execCtx ExecContext) (any, error) {
	config, _ := ctx.Value(configKey{}).(map[string]any)
	host, _ := config["hostname"].(string)
	user, _ := config["username"].(string)
	if host == "" || user == "" {
		return nil, &errs.ConfigurationError{Message: "remote_shell platform config missing hostname or username"}
	}
	port, _ := config["port"].(string)
	if port == "" {
		port = "22"
	}
	keyFile, _ := config["key_file"].(string)
	interpreter, _ := config["python_path"].(string)
	if interpreter == "" {
		interpreter = "python3"
	}
	workDir, _ := config["remote_workdir"].(string)
	if workDir == "" {
		workDir = "/tmp"
	}
	cleanupRemote := true
	if v, ok := config["cleanup_remote"].(bool); ok {
		cleanupRemote = v
	}

	dialTimeout := d.DialTimeout
	if v, ok := config["connect_timeout"].(time.Duration); ok && v > 0 {
		dialTimeout = v
	} else if v, ok := config["connect_timeout"].(float64); ok && v > 0 {
		dialTimeout = time.Duration(v) * time.Second
	}

	authMethod, err := d.authMethod(keyFile)
	if err != nil {
		return nil, &errs.ConfigurationError{Message: "resolve ssh auth", Cause: err}
	}

	clientConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	var dialer net.Dialer
	dialer.Timeout = dialTimeout
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, &errs.PlatformExecutionError{Platform: string(RemoteShell), Message: "dial remote host", Retryable: true, Cause: err}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, net.JoinHostPort(host, port), clientConfig)
	if err != nil {
		conn.Close()
		return nil, &errs.PlatformExecutionError{Platform: string(RemoteShell), Message: "ssh handshake", Cause: err}
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, &errs.PlatformExecutionError{Platform: string(RemoteShell), Message: "open sftp channel", Cause: err}
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(workDir); err != nil {
		return nil, &errs.PlatformExecutionError{Platform: string(RemoteShell), Message: "create remote work dir", Cause: err}
	}

	inputsJSON, err := json.Marshal(map[string]any{"kwargs": encodedInputs})
	if err != nil {
		return nil, &errs.ValidationError{Message: "encode inputs", Cause: err}
	}
	script := scriptShapeSimple(fn, string(inputsJSON))

	remotePath := path.Join(workDir, fmt.Sprintf("goflow-%s.py", uuid.NewString()))
	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return nil, &errs.PlatformExecutionError{Platform: string(RemoteShell), Message: "create remote script", Cause: err}
	}
	if _, err := remoteFile.Write([]byte(script)); err != nil {
		remoteFile.Close()
		return nil, &errs.PlatformExecutionError{Platform: string(RemoteShell), Message: "write remote script", Cause: err}
	}
	remoteFile.Close()
	if cleanupRemote {
		defer sftpClient.Remove(remotePath)
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &errs.PlatformExecutionError{Platform: string(RemoteShell), Message: "open ssh session", Cause: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(fmt.Sprintf("%s %s", interpreter, remotePath))
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return nil, &errs.CancelledError{Reason: ctx.Err().Error()}
	case err := <-done:
		if err != nil {
			return nil, &errs.PlatformExecutionError{
				Platform:  string(RemoteShell),
				Message:   fmt.Sprintf("remote command failed: %s", stderr.String()),
				Retryable: true,
				Cause:     err,
			}
		}
	}

	return decodeLastJSONLine(stdout.String(), RemoteShell)
}

func (d *RemoteShellDriver) authMethod(keyFile string) (ssh.AuthMethod, error) {
	if keyFile != "" {
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	}

	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("no key_file configured and SSH_AUTH_SOCK is unset")
	}
	agentConn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("dial ssh-agent: %w", err)
	}
	agentClient := agent.NewClient(agentConn)
	return ssh.PublicKeysCallback(agentClient.Signers), nil
}
