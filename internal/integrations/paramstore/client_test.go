package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
	lastIn *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastIn = in
	return f.getOut, f.getErr
}

func TestGetParameter(t *testing.T) {
	cases := []struct {
		name    string
		api     *fakeAPI
		param   string
		want    string
		wantErr string
	}{
		{
			name:  "secure string",
			api:   &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: aws.String("p"), Value: aws.String(`{"token":"v"}`), Type: types.ParameterTypeSecureString}}},
			param: "p",
			want:  `{"token":"v"}`,
		},
		{
			name:    "missing value",
			api:     &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: aws.String("p")}}},
			param:   "p",
			wantErr: "missing value",
		},
		{
			name:    "api error",
			api:     &fakeAPI{getErr: errors.New("boom")},
			param:   "p",
			wantErr: "boom",
		},
		{
			name:    "empty name",
			api:     &fakeAPI{},
			param:   "  ",
			wantErr: "required",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, err := New(tc.api)
			require.NoError(t, err)

			v, err := client.GetParameter(context.Background(), tc.param)
			if tc.wantErr != "" {
				require.Error(t, err)
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, v)
			require.True(t, *tc.api.lastIn.WithDecryption)
		})
	}
}

func TestGetParameter_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not initialized")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestClient_FeedsCachedToken(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: aws.String(`{"token":"sk-ssm"}`)}}}
	client, err := New(api)
	require.NoError(t, err)
	tok, err := NewCachedToken(client, ParameterName("/nexus", "anthropic-token"))
	require.NoError(t, err)

	v, err := tok.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-ssm", v)
	require.Equal(t, "/nexus/anthropic-token", *api.lastIn.Name)
}
