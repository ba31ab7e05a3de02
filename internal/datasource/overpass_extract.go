package datasource

import (
	"encoding/json"
	"fmt"

	"github.com/MeKo-Christian/go-overpass"
	"github.com/MeKo-Tech/osgcore/internal/types"
	"github.com/paulmach/orb"
)

// UnmarshalOverpassJSON decodes a raw Overpass API JSON response into an
// overpass.Result, for callers that already have the response body (e.g.
// the overpass-json decoder) instead of issuing the query themselves.
func UnmarshalOverpassJSON(data []byte) (*overpass.Result, error) {
	var result overpass.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal overpass json: %w", err)
	}
	return &result, nil
}

// ExtractFeaturesFromOverpassResult converts an Overpass result into a
// FeatureCollection. It mirrors the logic used by OverpassDataSource.
func ExtractFeaturesFromOverpassResult(result *overpass.Result) types.FeatureCollection {
	var features types.FeatureCollection
	if result == nil {
		return features
	}

	// Build a set of way IDs that are members of multipolygon relations
	// Note: We check both embedded Way objects and referenced way IDs
	memberWayIDs := make(map[int64]bool)
	for _, rel := range result.Relations {
		if rel.Tags["type"] == "multipolygon" {
			for _, member := range rel.Members {
				if member.Type == "way" {
					if member.Way != nil {
						// Embedded way object (from test data or some APIs)
						memberWayIDs[member.Way.ID] = true
					}
					// Note: Real Overpass API doesn't embed way geometry in relations
					// Member ways must be looked up from result.Ways map during assembly
				}
			}
		}
	}

	// Process ways (skip those that are multipolygon members)
	for _, way := range result.Ways {
		// Skip ways that are members of multipolygon relations
		if memberWayIDs[way.ID] {
			continue
		}

		feature := convertWayToFeature(way)
		if feature == nil {
			continue
		}

		switch {
		case isWater(way.Tags), isRiver(way.Tags):
			features.Water = append(features.Water, *feature)
		case isPark(way.Tags):
			features.Parks = append(features.Parks, *feature)
		case isRoad(way.Tags):
			features.Roads = append(features.Roads, *feature)
		case isBuilding(way.Tags):
			features.Buildings = append(features.Buildings, *feature)
		case isCivic(way.Tags):
			features.Civic = append(features.Civic, *feature)
		}
	}

	// Process relations (mainly for multipolygon water bodies and parks)
	for _, rel := range result.Relations {
		var feature *types.Feature

		// Handle multipolygon relations specially
		if rel.Tags["type"] == "multipolygon" {
			feature = convertMultipolygonRelationToFeature(rel, result.Ways)
		} else {
			feature = convertRelationToFeature(rel)
		}

		if feature == nil {
			continue
		}

		switch {
		case isWater(rel.Tags), isRiver(rel.Tags):
			features.Water = append(features.Water, *feature)
		case isPark(rel.Tags):
			features.Parks = append(features.Parks, *feature)
		}
	}

	return features
}

func convertWayToFeature(way *overpass.Way) *types.Feature {
	if way == nil || len(way.Geometry) == 0 {
		return nil
	}

	var geometry orb.Geometry
	points := make(orb.LineString, len(way.Geometry))

	for i, point := range way.Geometry {
		points[i] = orb.Point{point.Lon, point.Lat}
	}

	if len(points) > 2 && points[0] == points[len(points)-1] {
		ring := orb.Ring(points)
		geometry = orb.Polygon{ring}
	} else {
		geometry = points
	}

	name := ""
	if n, ok := way.Tags["name"]; ok {
		name = n
	}

	featureType := categorizeByTags(way.Tags)

	return &types.Feature{
		ID:         fmt.Sprintf("way/%d", way.ID),
		Type:       featureType,
		Geometry:   geometry,
		Properties: convertTags(way.Tags),
		Name:       name,
	}
}

func convertRelationToFeature(rel *overpass.Relation) *types.Feature {
	if rel == nil {
		return nil
	}

	name := ""
	if n, ok := rel.Tags["name"]; ok {
		name = n
	}

	featureType := categorizeByTags(rel.Tags)

	return &types.Feature{
		ID:         fmt.Sprintf("relation/%d", rel.ID),
		Type:       featureType,
		Geometry:   orb.Point{},
		Properties: convertTags(rel.Tags),
		Name:       name,
	}
}

// convertMultipolygonRelationToFeature assembles a multipolygon relation from its member ways
func convertMultipolygonRelationToFeature(rel *overpass.Relation, ways map[int64]*overpass.Way) *types.Feature {
	if rel == nil {
		return nil
	}

	// Separate outer and inner rings
	var outerRings []orb.Ring
	var innerRings []orb.Ring

	for _, member := range rel.Members {
		if member.Type != "way" {
			continue
		}

		// Look up the way - try embedded object first, then fall back to map lookup
		var way *overpass.Way
		if member.Way != nil {
			// Embedded way object (from test data)
			way = member.Way
		}
		// Note: Real Overpass API doesn't embed member ways - they must be looked up
		// However, the go-overpass library doesn't expose the ref ID, so we can't look them up
		// Member ways that aren't in the result will be skipped

		if way == nil || len(way.Geometry) == 0 {
			continue
		}

		// Convert way geometry to ring
		points := make(orb.LineString, len(way.Geometry))
		for i, point := range way.Geometry {
			points[i] = orb.Point{point.Lon, point.Lat}
		}

		// Ensure ring is closed
		if len(points) > 0 && points[0] != points[len(points)-1] {
			points = append(points, points[0])
		}

		ring := orb.Ring(points)

		// Classify as outer or inner based on role
		if member.Role == "inner" {
			innerRings = append(innerRings, ring)
		} else {
			// Default to outer (role can be empty or "outer")
			outerRings = append(outerRings, ring)
		}
	}

	// Build geometry
	var geometry orb.Geometry
	if len(outerRings) == 0 {
		// No outer rings - can't build polygon
		return nil
	}

	if len(outerRings) == 1 {
		// Single polygon with potential inner rings
		rings := make([]orb.Ring, 0, 1+len(innerRings))
		rings = append(rings, outerRings[0])
		rings = append(rings, innerRings...)
		geometry = orb.Polygon(rings)
	} else {
		// Multiple outer rings - create MultiPolygon
		polygons := make(orb.MultiPolygon, len(outerRings))
		for i, outer := range outerRings {
			polygons[i] = orb.Polygon{outer}
		}
		// Note: For simplicity, we're not assigning inner rings to specific outer rings
		// A more sophisticated implementation would determine which inner rings belong to which outer rings
		geometry = polygons
	}

	name := ""
	if n, ok := rel.Tags["name"]; ok {
		name = n
	}

	featureType := categorizeByTags(rel.Tags)

	return &types.Feature{
		ID:         fmt.Sprintf("relation/%d", rel.ID),
		Type:       featureType,
		Geometry:   geometry,
		Properties: convertTags(rel.Tags),
		Name:       name,
	}
}

func categorizeByTags(tags map[string]string) types.FeatureType {
	if isWater(tags) || isRiver(tags) {
		return types.FeatureTypeWater
	}
	if isPark(tags) {
		return types.FeatureTypePark
	}
	if isRoad(tags) {
		return types.FeatureTypeRoad
	}
	if isBuilding(tags) {
		return types.FeatureTypeBuilding
	}
	if isCivic(tags) {
		return types.FeatureTypeCivic
	}
	return types.FeatureTypeUnknown
}

func isWater(tags map[string]string) bool {
	// Only include polygonal water bodies, not linear waterways
	// Waterways are now handled separately in isRiver()
	return tags["natural"] == "water" ||
		tags["natural"] == "coastline"
}

func isRiver(tags map[string]string) bool {
	// Linear waterways: rivers, streams, canals
	// These will be rendered with LineSymbolizer to avoid polygon closing issues
	return tags["waterway"] != ""
}

func isPark(tags map[string]string) bool {
	return tags["leisure"] == "park" ||
		tags["leisure"] == "garden" ||
		tags["leisure"] == "playground" ||
		tags["landuse"] == "forest" ||
		tags["landuse"] == "grass" ||
		tags["landuse"] == "meadow"
}

func isRoad(tags map[string]string) bool {
	return tags["highway"] != ""
}

func isBuilding(tags map[string]string) bool {
	return tags["building"] != ""
}

func isCivic(tags map[string]string) bool {
	amenity := tags["amenity"]
	return amenity == "school" ||
		amenity == "hospital" ||
		amenity == "university" ||
		amenity == "library" ||
		amenity == "town_hall"
}

// convertTags converts OSM tags to generic properties map
func convertTags(tags map[string]string) map[string]interface{} {
	props := make(map[string]interface{}, len(tags))
	for k, v := range tags {
		props[k] = v
	}
	return props
}
