package polyline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorwatch/anchorwatch/pkg/polyline"
)

func TestDecode_ReferencePolyline(t *testing.T) {
	coords := polyline.Decode("_p~iF~ps|U_ulLnnqC_mqNvxq`@")
	require.Len(t, coords, 3)

	expected := []polyline.Coordinate{
		{Lat: 38.5, Lon: -120.2},
		{Lat: 40.7, Lon: -120.95},
		{Lat: 43.252, Lon: -126.453},
	}
	for i, c := range coords {
		assert.InDelta(t, expected[i].Lat, c.Lat, 1e-5)
		assert.InDelta(t, expected[i].Lon, c.Lon, 1e-5)
	}
}

func TestEncode_ReferencePolyline(t *testing.T) {
	encoded := polyline.Encode([]polyline.Coordinate{
		{Lat: 38.5, Lon: -120.2},
		{Lat: 40.7, Lon: -120.95},
		{Lat: 43.252, Lon: -126.453},
	})
	assert.Equal(t, "_p~iF~ps|U_ulLnnqC_mqNvxq`@", encoded)
}

func TestDecode_Empty(t *testing.T) {
	assert.Nil(t, polyline.Decode(""))
	assert.Empty(t, polyline.Encode(nil))
}

func TestDecode_TruncatedInput(t *testing.T) {
	coords := polyline.Decode("_p~iF~ps|U_ulL")
	require.Len(t, coords, 1)
	assert.InDelta(t, 38.5, coords[0].Lat, 1e-5)
}

func TestLength(t *testing.T) {
	assert.Zero(t, polyline.Length(nil))
	assert.Zero(t, polyline.Length([]polyline.Coordinate{{Lat: 1, Lon: 1}}))

	// One degree of latitude along a meridian.
	l := polyline.Length([]polyline.Coordinate{{Lat: 0, Lon: 0}, {Lat: 0.5, Lon: 0}, {Lat: 1, Lon: 0}})
	assert.InDelta(t, 111195, l, 5)
}

func TestTrail_BoundedAndSpaced(t *testing.T) {
	trail := polyline.NewTrail(3, 2)

	assert.True(t, trail.Add(polyline.Coordinate{Lat: 10, Lon: 20}))
	assert.False(t, trail.Add(polyline.Coordinate{Lat: 10.000001, Lon: 20}), "sub-spacing point kept")

	for i := 1; i <= 4; i++ {
		require.True(t, trail.Add(polyline.Coordinate{Lat: 10 + float64(i)*0.001, Lon: 20}))
	}

	points := trail.Points()
	require.Len(t, points, 3)
	assert.InDelta(t, 10.002, points[0].Lat, 1e-9)
	assert.InDelta(t, 10.004, points[2].Lat, 1e-9)

	decoded := polyline.Decode(trail.Encoded())
	require.Len(t, decoded, 3)
	assert.InDelta(t, 10.004, decoded[2].Lat, 1e-5)

	trail.Reset()
	assert.Empty(t, trail.Points())
}
