package engine

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"

	"lockline/internal/domain"
)

// ChildTile is one piece of a split task.
type ChildTile struct {
	X, Y, Zoom int
	Geometry   string
}

// Partitioner divides a square task into four children.
type Partitioner interface {
	Partition(t domain.Task) ([]ChildTile, error)
}

// TilePartitioner splits a slippy-map tile into its four children at the
// next zoom level. Child geometry is a GeoJSON MultiPolygon.
type TilePartitioner struct{}

func (TilePartitioner) Partition(t domain.Task) ([]ChildTile, error) {
	if t.X == nil || t.Y == nil || t.Zoom == nil {
		return nil, fmt.Errorf("task %s has no tile coordinates", t.Key())
	}
	parent := maptile.New(uint32(*t.X), uint32(*t.Y), maptile.Zoom(*t.Zoom))
	var res []ChildTile
	for _, child := range parent.Children() {
		poly := child.Bound().ToPolygon()
		data, err := geojson.NewGeometry(orb.MultiPolygon{poly}).MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode child geometry: %w", err)
		}
		res = append(res, ChildTile{X: int(child.X), Y: int(child.Y), Zoom: int(child.Z), Geometry: string(data)})
	}
	return res, nil
}
