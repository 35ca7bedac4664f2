package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/searchq/internal/store"
	"github.com/ChuLiYu/searchq/pkg/types"
)

// TaskStatus is the decoded reply of the TaskStatus call.
type TaskStatus struct {
	ID    types.TaskID
	Name  string
	State string
	Stats types.TaskStats
}

// AdminClient calls the admin service over any client connection.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

func (c *AdminClient) invoke(ctx context.Context, method string, in, out any) error {
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, st.Message())
	}
	return err
}

func (c *AdminClient) TaskStatus(ctx context.Context, name string) (TaskStatus, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "TaskStatus", wrapperspb.String(name), out); err != nil {
		return TaskStatus{}, err
	}
	f := out.GetFields()
	count := func(k string) int { return int(f[k].GetNumberValue()) }
	return TaskStatus{
		ID:    types.TaskID(f["id"].GetNumberValue()),
		Name:  f["name"].GetStringValue(),
		State: f["state"].GetStringValue(),
		Stats: types.TaskStats{
			Waiting:     count("waiting"),
			Calculating: count("calculating"),
			Calculated:  count("calculated"),
			Complete:    count("complete"),
		},
	}, nil
}

// RequeueStuck returns the number of points moved back to WAITING.
func (c *AdminClient) RequeueStuck(ctx context.Context, name string) (int, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.invoke(ctx, "RequeueStuck", wrapperspb.String(name), out); err != nil {
		return 0, err
	}
	return int(out.GetValue()), nil
}

func (c *AdminClient) DeleteTask(ctx context.Context, name string) error {
	return c.invoke(ctx, "DeleteTask", wrapperspb.String(name), new(emptypb.Empty))
}
