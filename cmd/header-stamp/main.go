// Command header-stamp is a remote request plugin that stamps every request
// with the plugin name and the original path before it reaches the upstream.
//
// The gateway starts it from its plugin directory and talks to it over gRPC.
package main

import (
	"context"
	"flag"
	"maps"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	pb "github.com/mozilla-ai/mcpd-plugins-sdk-go/pkg/plugins/v1/plugins"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

const name = "header-stamp"

type headerStampPlugin struct {
	pb.UnimplementedPluginServer
	logger hclog.Logger
}

func (p *headerStampPlugin) GetMetadata(_ context.Context, _ *emptypb.Empty) (*pb.Metadata, error) {
	return &pb.Metadata{
		Name:        name,
		Version:     "1.0.0",
		Description: "Stamps requests with the plugin name and original path",
	}, nil
}

func (p *headerStampPlugin) GetCapabilities(_ context.Context, _ *emptypb.Empty) (*pb.Capabilities, error) {
	return &pb.Capabilities{
		Flows: []pb.Flow{pb.Flow_FLOW_REQUEST},
	}, nil
}

func (p *headerStampPlugin) CheckHealth(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}

func (p *headerStampPlugin) CheckReady(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}

func (p *headerStampPlugin) Stop(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}

func (p *headerStampPlugin) HandleRequest(_ context.Context, req *pb.HTTPRequest) (*pb.HTTPResponse, error) {
	headers := maps.Clone(req.GetHeaders())
	if headers == nil {
		headers = make(map[string]string, 2)
	}
	headers["X-Stamped-By"] = name
	headers["X-Original-Path"] = req.GetPath()

	p.logger.Debug("stamped request", "path", req.GetPath())

	return &pb.HTTPResponse{
		Continue:        true,
		ModifiedRequest: &pb.HTTPRequest{Headers: headers},
	}, nil
}

func main() {
	var (
		address = flag.String("address", "", "Address to listen on (e.g., /tmp/plugin.sock or localhost:50051)")
		network = flag.String("network", "unix", "Network type: 'unix' or 'tcp'")
	)
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclog.LevelFromString(os.Getenv("GATEWAY_LOG_LEVEL")),
		Output: os.Stderr,
	})

	if *address == "" {
		logger.Error("--address is required")
		os.Exit(1)
	}

	if *network == "unix" {
		_ = os.Remove(*address)
	}
	listener, err := net.Listen(*network, *address)
	if err != nil {
		logger.Error("failed to listen", "error", err)
		os.Exit(1)
	}

	grpcServer := grpc.NewServer()
	pb.RegisterPluginServer(grpcServer, &headerStampPlugin{logger: logger})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutting down")
		grpcServer.GracefulStop()
		if *network == "unix" {
			_ = os.Remove(*address)
		}
	}()

	logger.Info("plugin listening", "address", *address, "network", *network)
	if err := grpcServer.Serve(listener); err != nil {
		logger.Error("failed to serve", "error", err)
		os.Exit(1)
	}
}
