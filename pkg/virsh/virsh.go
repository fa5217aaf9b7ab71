// Package virsh drives libvirt through the virsh command line tool.
package virsh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	utilexec "k8s.io/utils/exec"

	"sriov-provisioner/pkg/inventory"
	"sriov-provisioner/pkg/logging"
)

// DefaultURI is the system libvirt connection.
const DefaultURI = "qemu:///system"

// CommandError is returned when virsh exits non-zero.
type CommandError struct {
	Args       []string
	ExitStatus int
	Stderr     string
	Err        error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("virsh %s exited with status %d: %s", strings.Join(e.Args, " "), e.ExitStatus, msg)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// HasMessage reports whether err is a CommandError whose stderr contains
// msg.
func HasMessage(err error, msg string) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	return strings.Contains(cmdErr.Stderr, msg)
}

// Client runs virsh against one connection URI.
type Client struct {
	URI     string
	Binary  string
	TempDir string
	exec    utilexec.Interface
	log     *logrus.Entry
}

// Option configures a Client.
type Option func(*Client)

// WithExec replaces the command executor.
func WithExec(e utilexec.Interface) Option {
	return func(c *Client) { c.exec = e }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(c *Client) { c.log = l }
}

// New returns a client for uri, defaulting to DefaultURI.
func New(uri string, opts ...Option) *Client {
	if uri == "" {
		uri = DefaultURI
	}
	c := &Client{
		URI:    uri,
		Binary: "virsh",
		exec:   utilexec.New(),
		log:    logging.Component("virsh"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes a virsh subcommand and returns its stdout.
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	argv := append([]string{"-c", c.URI}, args...)
	cmd := c.exec.CommandContext(ctx, c.Binary, argv...)

	var stdout, stderr bytes.Buffer
	cmd.SetStdout(&stdout)
	cmd.SetStderr(&stderr)

	c.log.WithField("args", strings.Join(args, " ")).Debug("running virsh")
	if err := cmd.Run(); err != nil {
		status := -1
		var exitErr utilexec.ExitError
		if errors.As(err, &exitErr) {
			status = exitErr.ExitStatus()
		}
		return stdout.String(), &CommandError{Args: args, ExitStatus: status, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

func lines(out string) []string {
	var result []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			result = append(result, line)
		}
	}
	return result
}

// withXMLFile writes xml to a temporary file for subcommands that only take
// a file argument.
func (c *Client) withXMLFile(xml string, fn func(path string) error) error {
	f, err := os.CreateTemp(c.TempDir, "virsh-*.xml")
	if err != nil {
		return fmt.Errorf("failed to create xml file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(xml); err != nil {
		f.Close()
		return fmt.Errorf("failed to write xml file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write xml file: %w", err)
	}
	return fn(f.Name())
}

// NodedevList lists node device names of one capability.
func (c *Client) NodedevList(ctx context.Context, capability string) ([]string, error) {
	out, err := c.Run(ctx, "nodedev-list", "--cap", capability)
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

// ListDevices implements inventory.Lister.
func (c *Client) ListDevices(ctx context.Context, capability inventory.Capability) ([]string, error) {
	return c.NodedevList(ctx, string(capability))
}

// NodedevDumpXML returns the XML of a node device.
func (c *Client) NodedevDumpXML(ctx context.Context, name string) (string, error) {
	return c.Run(ctx, "nodedev-dumpxml", name)
}

// NodedevDetach detaches a node device from its host driver.
func (c *Client) NodedevDetach(ctx context.Context, name string) error {
	_, err := c.Run(ctx, "nodedev-detach", name)
	return err
}

// NodedevReattach gives a node device back to its host driver.
func (c *Client) NodedevReattach(ctx context.Context, name string) error {
	_, err := c.Run(ctx, "nodedev-reattach", name)
	return err
}

// AttachDevice attaches a device described by xml. flags are passed as is,
// e.g. "--config" or "--live".
func (c *Client) AttachDevice(ctx context.Context, domain, xml string, flags ...string) error {
	return c.withXMLFile(xml, func(path string) error {
		_, err := c.Run(ctx, append([]string{"attach-device", domain, path}, flags...)...)
		return err
	})
}

// DetachDevice detaches a device described by xml.
func (c *Client) DetachDevice(ctx context.Context, domain, xml string, flags ...string) error {
	return c.withXMLFile(xml, func(path string) error {
		_, err := c.Run(ctx, append([]string{"detach-device", domain, path}, flags...)...)
		return err
	})
}

// DumpXML returns the live domain XML, or the persistent one when inactive
// is set.
func (c *Client) DumpXML(ctx context.Context, domain string, inactive bool) (string, error) {
	args := []string{"dumpxml", domain}
	if inactive {
		args = append(args, "--inactive")
	}
	return c.Run(ctx, args...)
}

// Define defines, or redefines, a persistent domain from xml.
func (c *Client) Define(ctx context.Context, xml string) error {
	return c.withXMLFile(xml, func(path string) error {
		_, err := c.Run(ctx, "define", path)
		return err
	})
}

// DomainState returns the state reported by domstate, e.g. "running".
func (c *Client) DomainState(ctx context.Context, domain string) (string, error) {
	out, err := c.Run(ctx, "domstate", domain)
	return strings.TrimSpace(out), err
}

func (c *Client) domainOp(ctx context.Context, op, domain string) error {
	_, err := c.Run(ctx, op, domain)
	return err
}

// Start starts a defined domain.
func (c *Client) Start(ctx context.Context, domain string) error {
	return c.domainOp(ctx, "start", domain)
}

// Destroy forcibly stops a domain.
func (c *Client) Destroy(ctx context.Context, domain string) error {
	return c.domainOp(ctx, "destroy", domain)
}

// Suspend pauses a domain.
func (c *Client) Suspend(ctx context.Context, domain string) error {
	return c.domainOp(ctx, "suspend", domain)
}

// Resume unpauses a domain.
func (c *Client) Resume(ctx context.Context, domain string) error {
	return c.domainOp(ctx, "resume", domain)
}

// Reboot reboots a domain.
func (c *Client) Reboot(ctx context.Context, domain string) error {
	return c.domainOp(ctx, "reboot", domain)
}

// ManagedSave saves a domain's state so it is restored on the next start.
func (c *Client) ManagedSave(ctx context.Context, domain string) error {
	return c.domainOp(ctx, "managedsave", domain)
}

// DomIfAddr returns the raw domifaddr table for a domain. source is one of
// "lease", "agent" or "arp".
func (c *Client) DomIfAddr(ctx context.Context, domain, source string) (string, error) {
	args := []string{"domifaddr", domain}
	if source != "" {
		args = append(args, "--source", source)
	}
	return c.Run(ctx, args...)
}

// NetDefine defines a persistent network from xml.
func (c *Client) NetDefine(ctx context.Context, xml string) error {
	return c.withXMLFile(xml, func(path string) error {
		_, err := c.Run(ctx, "net-define", path)
		return err
	})
}

// NetCreate creates a transient network from xml.
func (c *Client) NetCreate(ctx context.Context, xml string) error {
	return c.withXMLFile(xml, func(path string) error {
		_, err := c.Run(ctx, "net-create", path)
		return err
	})
}

// NetStart starts a defined network.
func (c *Client) NetStart(ctx context.Context, name string) error {
	_, err := c.Run(ctx, "net-start", name)
	return err
}

// NetDestroy stops a network.
func (c *Client) NetDestroy(ctx context.Context, name string) error {
	_, err := c.Run(ctx, "net-destroy", name)
	return err
}

// NetUndefine removes a persistent network definition.
func (c *Client) NetUndefine(ctx context.Context, name string) error {
	_, err := c.Run(ctx, "net-undefine", name)
	return err
}
