package httpclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponse_TypedJSONAccess(t *testing.T) {
	resp := &Response{Status: 200, Body: []byte(`{
		"data": {
			"token": "jwt-123",
			"count": 3,
			"ratio": 0.5,
			"empty": null,
			"wallets": [{"id": "a"}, {"id": "b"}],
			"names": ["x", "y"]
		}
	}`)}

	token, err := resp.String("data.token")
	require.NoError(t, err)
	assert.Equal(t, "jwt-123", token)

	token, err = resp.String("$.data.token")
	require.NoError(t, err)
	assert.Equal(t, "jwt-123", token)

	n, err := resp.Int("data.count")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	ids, err := resp.Strings("data.wallets[*].id")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	names, err := resp.Strings("data.names")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, names)

	l, err := resp.Len("data.wallets")
	require.NoError(t, err)
	assert.Equal(t, 2, l)

	_, err = resp.String("data.missing")
	assert.ErrorIs(t, err, ErrFieldMissing)

	_, err = resp.String("data.empty")
	assert.ErrorIs(t, err, ErrFieldMissing)

	_, err = resp.String("data.count")
	assert.ErrorIs(t, err, ErrFieldType)

	_, err = resp.Int("data.ratio")
	assert.ErrorIs(t, err, ErrFieldType)

	_, err = resp.Len("data.token")
	assert.ErrorIs(t, err, ErrFieldType)
}

func TestResponse_BodyNotJSON(t *testing.T) {
	for _, body := range []string{"", "<html>oops</html>", `{"data":`} {
		resp := &Response{Status: 502, Body: []byte(body)}
		_, err := resp.String("data.token")
		assert.ErrorIs(t, err, ErrBodyNotJSON, "body %q", body)
	}
}

func TestResponse_InvalidPath(t *testing.T) {
	resp := &Response{Body: []byte(`{"a":1}`)}
	_, err := resp.JSON("a[")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestResponse_Status(t *testing.T) {
	assert.True(t, (&Response{Status: 201}).OK())
	assert.False(t, (&Response{Status: 404}).OK())
	assert.True(t, (&Response{Status: 404}).Failed())
	assert.False(t, (&Response{Status: 302}).Failed())
	assert.True(t, (&Response{NetworkError: true}).Failed())
	assert.True(t, (&Response{Status: 201}).StatusIn(200, 201))
	assert.False(t, (&Response{Status: 500}).StatusIn(200, 201))
}
