// Package client is a Go client for the planlens Flight server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/TFMV/planlens/pkg/inference"
	"github.com/TFMV/planlens/pkg/models"
	"github.com/TFMV/planlens/pkg/server"
	"github.com/TFMV/planlens/pkg/services"
)

// Client calls a planlens Flight server.
type Client struct {
	flight flight.Client
}

type options struct {
	authorization string
	tls           bool
	tlsCAFile     string
	dialOpts      []grpc.DialOption
}

// Option configures Dial.
type Option func(*options)

// WithBearerToken sends token as a bearer credential on every call.
func WithBearerToken(token string) Option {
	return func(o *options) { o.authorization = "Bearer " + token }
}

// WithTLS verifies the server against the PEM CA bundle in caFile. An empty
// caFile uses the system roots.
func WithTLS(caFile string) Option {
	return func(o *options) {
		o.tls = true
		o.tlsCAFile = caFile
	}
}

// WithDialOptions appends raw gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOpts = append(o.dialOpts, opts...) }
}

// Dial connects to the server at addr.
func Dial(addr string, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	dialOpts := o.dialOpts
	if o.tls {
		creds, err := transportCredentials(o.tlsCAFile)
		if err != nil {
			return nil, err
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(creds))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	var middleware []flight.ClientMiddleware
	if o.authorization != "" {
		middleware = append(middleware, authorizationMiddleware(o.authorization))
	}
	fc, err := flight.NewClientWithMiddleware(addr, nil, middleware, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return &Client{flight: fc}, nil
}

func transportCredentials(caFile string) (credentials.TransportCredentials, error) {
	if caFile == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	creds, err := credentials.NewClientTLSFromFile(caFile, "")
	if err != nil {
		return nil, fmt.Errorf("load CA file: %w", err)
	}
	return creds, nil
}

// authorizationMiddleware attaches the authorization header to every call.
func authorizationMiddleware(value string) flight.ClientMiddleware {
	withHeader := func(ctx context.Context) context.Context {
		return metadata.AppendToOutgoingContext(ctx, "authorization", value)
	}
	return flight.ClientMiddleware{
		Stream: func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
			return streamer(withHeader(ctx), desc, cc, method, opts...)
		},
		Unary: func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			return invoker(withHeader(ctx), method, req, reply, cc, opts...)
		},
	}
}

// New wraps an existing Flight client.
func New(fc flight.Client) *Client {
	return &Client{flight: fc}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.flight.Close()
}

// Actions lists the actions the server accepts.
func (c *Client) Actions(ctx context.Context) ([]string, error) {
	stream, err := c.flight.ListActions(ctx, &flight.Empty{})
	if err != nil {
		return nil, err
	}
	var out []string
	for {
		a, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a.GetType())
	}
}

// EvaluateWorkload runs an evaluation on the server.
func (c *Client) EvaluateWorkload(ctx context.Context, req services.EvaluateRequest) (*services.EvaluationResult, error) {
	var res services.EvaluationResult
	if err := c.action(ctx, server.ActionEvaluateWorkload, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// IngestWorkload uploads a workload export read from r.
func (c *Client) IngestWorkload(ctx context.Context, name string, r io.Reader) (*services.IngestResult, error) {
	export, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read workload export: %w", err)
	}
	var res services.IngestResult
	req := server.IngestWorkloadRequest{Name: name, Export: export}
	if err := c.action(ctx, server.ActionIngestWorkload, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PredictPlan predicts the runtime of a stored plan.
func (c *Client) PredictPlan(ctx context.Context, planID, model string) (*inference.Prediction, error) {
	var res inference.Prediction
	if err := c.action(ctx, server.ActionPredictPlan, server.PlanRequest{PlanID: planID, Model: model}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ExplainPlan explains a stored plan without persisting the explanation.
func (c *Client) ExplainPlan(ctx context.Context, planID, model string, variant models.ExplainerVariant) (*services.PlanInsight, error) {
	var res services.PlanInsight
	req := server.PlanRequest{PlanID: planID, Model: model, Explainer: variant}
	if err := c.action(ctx, server.ActionExplainPlan, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// WorkloadStats counts a workload's plans per table count.
func (c *Client) WorkloadStats(ctx context.Context, workloadID string) ([]models.TableCountStat, error) {
	var res []models.TableCountStat
	if err := c.action(ctx, server.ActionWorkloadStats, server.WorkloadStatsRequest{WorkloadID: workloadID}, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// ListWorkloads lists the stored workloads, newest first.
func (c *Client) ListWorkloads(ctx context.Context) ([]services.WorkloadSummary, error) {
	var res []services.WorkloadSummary
	if err := c.action(ctx, server.ActionListWorkloads, struct{}{}, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// ListPlans fetches one page of a workload's plans.
func (c *Client) ListPlans(ctx context.Context, req services.PlanListRequest) (*services.PlanList, error) {
	var res services.PlanList
	if err := c.action(ctx, server.ActionListPlans, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetPlan fetches a stored plan with its SQL text and graph.
func (c *Client) GetPlan(ctx context.Context, planID string) (*services.PlanDetail, error) {
	var res services.PlanDetail
	if err := c.action(ctx, server.ActionGetPlan, server.GetPlanRequest{PlanID: planID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// action sends req as the JSON body of action and decodes the single result
// into out.
func (c *Client) action(ctx context.Context, action string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", action, err)
	}
	stream, err := c.flight.DoAction(ctx, &flight.Action{Type: action, Body: body})
	if err != nil {
		return err
	}
	res, err := stream.Recv()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(res.GetBody(), out); err != nil {
		return fmt.Errorf("decode %s result: %w", action, err)
	}
	return nil
}

// Query runs a report query and returns its records. The caller releases
// each record.
func (c *Client) Query(ctx context.Context, q server.Query) ([]arrow.Record, error) {
	cmd, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	info, err := c.flight.GetFlightInfo(ctx, &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: cmd})
	if err != nil {
		return nil, err
	}

	var out []arrow.Record
	release := func() {
		for _, r := range out {
			r.Release()
		}
	}
	for _, ep := range info.GetEndpoint() {
		recs, err := c.fetch(ctx, ep.GetTicket())
		if err != nil {
			release()
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, ticket *flight.Ticket) ([]arrow.Record, error) {
	stream, err := c.flight.DoGet(ctx, ticket)
	if err != nil {
		return nil, err
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, err
	}
	defer rdr.Release()

	var out []arrow.Record
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		out = append(out, rec)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		for _, r := range out {
			r.Release()
		}
		return nil, err
	}
	return out, nil
}
