// Package rpcserver is the concrete front end the command channel spec.md
// §2/§6 describes sits in front of: a line of JSON requests over a unix
// socket, the way moby-moby's daemon API serves its own unix socket rather
// than a network port by default. It is the one place bpfmand's wire
// format is actually decided; pkg/bpfman never imports this package.
package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"time"

	"github.com/go-logr/logr"

	"github.com/bpfman/bpfmand/internal/directories"
	"github.com/bpfman/bpfmand/pkg/bpfman"
)

type envelope struct {
	Op     string         `json:"op"`
	Load   *loadRequest   `json:"load,omitempty"`
	Unload *unloadRequest `json:"unload,omitempty"`
	Get    *getRequest    `json:"get,omitempty"`
	Pull   *pullRequest   `json:"pull,omitempty"`
}

type loadRequest struct {
	Program *bpfman.Program     `json:"program"`
	File    string              `json:"file,omitempty"`
	Image   *bpfman.ImageSource `json:"image,omitempty"`
}

type loadResponse struct {
	Program *bpfman.Program `json:"program,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type unloadRequest struct {
	Id uint32 `json:"id"`
}

type unloadResponse struct {
	Error string `json:"error,omitempty"`
}

type listResponse struct {
	Programs []*bpfman.Program `json:"programs,omitempty"`
	Error    string            `json:"error,omitempty"`
}

type getRequest struct {
	Id uint32 `json:"id"`
}

type getResponse struct {
	Program *bpfman.Program `json:"program,omitempty"`
	Error   string           `json:"error,omitempty"`
}

type pullRequest struct {
	Image bpfman.ImageSource `json:"image"`
}

type pullResponse struct {
	Error string `json:"error,omitempty"`
}

// Serve accepts one JSON request per connection on sockPath, forwards it to
// manager's command channel, and writes back the JSON response. It returns
// when ctx is cancelled.
func Serve(ctx context.Context, sockPath string, manager *bpfman.Manager, log logr.Logger) error {
	_ = os.Remove(sockPath)

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(sockPath, directories.SockMode); err != nil {
		log.V(1).Info("failed to set socket permissions", "path", sockPath, "err", err)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error(err, "accept rpc connection")
			continue
		}
		go handle(ctx, conn, manager, log)
	}
}

func handle(ctx context.Context, conn net.Conn, manager *bpfman.Manager, log logr.Logger) {
	defer conn.Close()

	var req envelope
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		_ = json.NewEncoder(conn).Encode(map[string]string{"error": err.Error()})
		return
	}

	enc := json.NewEncoder(conn)
	switch req.Op {
	case "load":
		reply := make(chan bpfman.LoadResult, 1)
		bytecode := bpfman.BytecodeSource{File: req.Load.File, Image: req.Load.Image}
		manager.Commands() <- bpfman.LoadCommand{Program: req.Load.Program, Bytecode: bytecode, Reply: reply}
		res := <-reply
		resp := loadResponse{Program: res.Program}
		if res.Err != nil {
			resp.Error = res.Err.Error()
		}
		_ = enc.Encode(resp)
	case "unload":
		reply := make(chan error, 1)
		manager.Commands() <- bpfman.UnloadCommand{Id: req.Unload.Id, Reply: reply}
		var resp unloadResponse
		if err := <-reply; err != nil {
			resp.Error = err.Error()
		}
		_ = enc.Encode(resp)
	case "list":
		reply := make(chan bpfman.ListResult, 1)
		manager.Commands() <- bpfman.ListCommand{Reply: reply}
		res := <-reply
		resp := listResponse{Programs: res.Programs}
		if res.Err != nil {
			resp.Error = res.Err.Error()
		}
		_ = enc.Encode(resp)
	case "get":
		reply := make(chan bpfman.GetResult, 1)
		manager.Commands() <- bpfman.GetCommand{Id: req.Get.Id, Reply: reply}
		res := <-reply
		resp := getResponse{Program: res.Program}
		if res.Err != nil {
			resp.Error = res.Err.Error()
		}
		_ = enc.Encode(resp)
	case "pull":
		reply := make(chan error, 1)
		manager.Commands() <- bpfman.PullBytecodeCommand{Ctx: ctx, Image: req.Pull.Image, Reply: reply}
		var resp pullResponse
		if err := <-reply; err != nil {
			resp.Error = err.Error()
		}
		_ = enc.Encode(resp)
	default:
		_ = enc.Encode(map[string]string{"error": "unknown op " + req.Op})
	}
}

// Client is bpfmanctl's half of the protocol.
type Client struct {
	sockPath string
}

func NewClient(sockPath string) *Client {
	return &Client{sockPath: sockPath}
}

func (c *Client) call(req envelope, out interface{}) error {
	conn, err := net.DialTimeout("unix", c.sockPath, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return err
	}
	return json.NewDecoder(conn).Decode(out)
}

func (c *Client) Load(program *bpfman.Program, bytecode bpfman.BytecodeSource) (*bpfman.Program, error) {
	var resp loadResponse
	req := envelope{Op: "load", Load: &loadRequest{Program: program, File: bytecode.File, Image: bytecode.Image}}
	if err := c.call(req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Program, nil
}

func (c *Client) Unload(id uint32) error {
	var resp unloadResponse
	req := envelope{Op: "unload", Unload: &unloadRequest{Id: id}}
	if err := c.call(req, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

func (c *Client) List() ([]*bpfman.Program, error) {
	var resp listResponse
	req := envelope{Op: "list"}
	if err := c.call(req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Programs, nil
}

func (c *Client) Get(id uint32) (*bpfman.Program, error) {
	var resp getResponse
	req := envelope{Op: "get", Get: &getRequest{Id: id}}
	if err := c.call(req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Program, nil
}

func (c *Client) PullBytecode(image bpfman.ImageSource) error {
	var resp pullResponse
	req := envelope{Op: "pull", Pull: &pullRequest{Image: image}}
	if err := c.call(req, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}
