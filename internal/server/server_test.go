package server

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/searchq/internal/store"
	"github.com/ChuLiYu/searchq/internal/store/memstore"
	"github.com/ChuLiYu/searchq/pkg/types"
)

// startAdmin serves the admin service over an in-memory listener.
func startAdmin(t *testing.T, s store.Store) *AdminClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, lis, s) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return NewAdminClient(conn)
}

func seed(t *testing.T, s store.Store, name string) types.TaskID {
	t.Helper()
	ctx := context.Background()
	id, err := s.CreateTask(ctx, name)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := s.InsertPoint(ctx, id, &types.Point{X: float64(i) / 4, FloatVariables: []float64{float64(i)}})
		require.NoError(t, err)
	}
	// two claimed, one of them completed
	p, err := s.ClaimPoint(ctx, id, "w1", 1)
	require.NoError(t, err)
	p.FunctionValues[0].Value = 1
	require.NoError(t, s.CompletePoint(ctx, p))
	_, err = s.ClaimPoint(ctx, id, "w2", 1)
	require.NoError(t, err)
	return id
}

func TestTaskStatus(t *testing.T) {
	s := memstore.New()
	id := seed(t, s, "alpha")
	c := startAdmin(t, s)

	st, err := c.TaskStatus(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, id, st.ID)
	assert.Equal(t, "alpha", st.Name)
	assert.Equal(t, types.TaskSolving.String(), st.State)
	assert.Equal(t, types.TaskStats{Waiting: 2, Calculating: 1, Calculated: 1}, st.Stats)
}

func TestRequeueStuck(t *testing.T) {
	s := memstore.New()
	id := seed(t, s, "alpha")
	c := startAdmin(t, s)

	n, err := c.RequeueStuck(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := s.TaskStats(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Waiting)
	assert.Equal(t, 0, stats.Calculating)
}

func TestDeleteTask(t *testing.T) {
	s := memstore.New()
	seed(t, s, "alpha")
	c := startAdmin(t, s)
	ctx := context.Background()

	require.NoError(t, c.DeleteTask(ctx, "alpha"))

	_, err := c.TaskStatus(ctx, "alpha")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	assert.ErrorIs(t, c.DeleteTask(ctx, "alpha"), store.ErrTaskNotFound)
}

func TestUnknownTaskIsNotFound(t *testing.T) {
	c := startAdmin(t, memstore.New())
	_, err := c.RequeueStuck(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestEmptyNameIsInvalid(t *testing.T) {
	c := startAdmin(t, memstore.New())
	_, err := c.TaskStatus(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServerDirect(t *testing.T) {
	s := memstore.New()
	seed(t, s, "beta")
	srv := NewServer(s)

	out, err := srv.TaskStatus(context.Background(), wrapperspb.String("beta"))
	require.NoError(t, err)
	assert.Equal(t, "beta", out.GetFields()["name"].GetStringValue())
	assert.Equal(t, 2.0, out.GetFields()["waiting"].GetNumberValue())
}

func TestToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{store.ErrTaskNotFound, codes.NotFound},
		{store.ErrPointNotFound, codes.NotFound},
		{store.ErrIllegalTransition, codes.FailedPrecondition},
		{store.ErrTaskExists, codes.AlreadyExists},
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{assert.AnError, codes.Internal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, status.Code(toStatus(tc.err)), tc.err.Error())
	}
}
