package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"sriov-provisioner/pkg/pciaddr"
	"sriov-provisioner/pkg/reconciler"
	"sriov-provisioner/pkg/types"
)

// Result is the decoded reply of Provision.
type Result struct {
	PF               pciaddr.Address
	State            string
	VirtualFunctions []types.VirtualFunction
}

func encodeResult(pf pciaddr.Address, state reconciler.State, vfs []types.VirtualFunction) (*structpb.Struct, error) {
	list := make([]any, 0, len(vfs))
	for _, vf := range vfs {
		list = append(list, map[string]any{
			"index":          vf.Index,
			"pci_address":    vf.Address.String(),
			"interface_name": vf.InterfaceName,
		})
	}
	return structpb.NewStruct(map[string]any{
		"pf":                pf.String(),
		"state":             state.String(),
		"virtual_functions": list,
	})
}

func decodeResult(s *structpb.Struct) (Result, error) {
	m := s.AsMap()
	pfStr, _ := m["pf"].(string)
	pf, err := pciaddr.Parse(pfStr)
	if err != nil {
		return Result{}, fmt.Errorf("bad pf in reply: %w", err)
	}
	res := Result{PF: pf}
	res.State, _ = m["state"].(string)

	list, _ := m["virtual_functions"].([]any)
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return Result{}, fmt.Errorf("bad virtual function entry %v", item)
		}
		addrStr, _ := entry["pci_address"].(string)
		addr, err := pciaddr.Parse(addrStr)
		if err != nil {
			return Result{}, fmt.Errorf("bad virtual function address: %w", err)
		}
		index, _ := entry["index"].(float64)
		name, _ := entry["interface_name"].(string)
		res.VirtualFunctions = append(res.VirtualFunctions, types.VirtualFunction{
			PhysicalFunction: pf,
			Address:          addr,
			Index:            int(index),
			InterfaceName:    name,
		})
	}
	return res, nil
}

// Client calls a remote Provisioner service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Provision asks the daemon for count VFs.
func (c *Client) Provision(ctx context.Context, count int) (Result, error) {
	req, err := structpb.NewStruct(map[string]any{"count": count})
	if err != nil {
		return Result{}, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodProvision, req, out); err != nil {
		return Result{}, err
	}
	return decodeResult(out)
}

// Reset asks the daemon to remove all VFs.
func (c *Client) Reset(ctx context.Context) error {
	return c.conn.Invoke(ctx, methodReset, &emptypb.Empty{}, new(emptypb.Empty))
}

// Status returns the daemon's PF description and state.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodStatus, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
