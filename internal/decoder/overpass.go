package decoder

import (
	"github.com/MeKo-Tech/osgcore/internal/datasource"
)

// overpassDecoder registers the Overpass API's JSON response as a
// decodable object, so a tile pipeline that fetches raw feature data
// through the HTTP client facade gets a FeatureCollection back the same
// way an image fetch gets a decoded image.
type overpassDecoder struct{}

func (overpassDecoder) Sniff(data []byte) bool {
	// Overpass JSON always opens with {"version":...,"elements":[...]}
	// or {"version":...,"osm3s":...}; neither is a reliable magic-byte
	// sniff, so this decoder is only ever reached via extension/MIME.
	return false
}

func (overpassDecoder) Extensions() []string { return []string{"json"} }
func (overpassDecoder) MIMETypes() []string {
	return []string{"application/overpass-json", "application/json"}
}

func (overpassDecoder) Decode(data []byte) (Result, error) {
	result, err := datasource.UnmarshalOverpassJSON(data)
	if err != nil {
		return Result{}, err
	}
	features := datasource.ExtractFeaturesFromOverpassResult(result)
	return Result{Kind: KindObject, Object: features}, nil
}

// RegisterOverpass adds the Overpass JSON decoder to Default. Kept
// separate from RegisterDefaults so packages that don't need the
// datasource import (and its go-overpass dependency) can skip it.
func RegisterOverpass() {
	Default.Register(overpassDecoder{})
}

func init() {
	RegisterOverpass()
}
