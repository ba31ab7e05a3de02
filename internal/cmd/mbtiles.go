package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/MeKo-Tech/osgcore/internal/mbtiles"
	"github.com/spf13/cobra"
)

var mbtilesCmd = &cobra.Command{
	Use:   "mbtiles",
	Short: "Inspect or export an MBTiles archive",
}

var mbtilesInspectCmd = &cobra.Command{
	Use:   "inspect <path>",
	Short: "Print metadata and tile counts for an MBTiles archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runMBTilesInspect,
}

var mbtilesExportCmd = &cobra.Command{
	Use:   "export <path> <output-dir>",
	Short: "Export every tile in an MBTiles archive to z/x/y.png files on disk",
	Args:  cobra.ExactArgs(2),
	RunE:  runMBTilesExport,
}

func init() {
	rootCmd.AddCommand(mbtilesCmd)
	mbtilesCmd.AddCommand(mbtilesInspectCmd)
	mbtilesCmd.AddCommand(mbtilesExportCmd)
}

func runMBTilesInspect(cmd *cobra.Command, args []string) error {
	store, profile, extents, err := mbtiles.Open(args[0], "", true)
	if err != nil {
		return fmt.Errorf("open mbtiles archive: %w", err)
	}
	defer store.Close()

	meta, err := store.Metadata()
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}

	count, err := store.TileCount()
	if err != nil {
		return fmt.Errorf("count tiles: %w", err)
	}

	fmt.Printf("path:        %s\n", store.Path())
	fmt.Printf("name:        %s\n", meta.Name)
	fmt.Printf("format:      %s\n", meta.Format)
	fmt.Printf("description: %s\n", meta.Description)
	fmt.Printf("srs:         %s\n", profile.SRS)
	fmt.Printf("tile size:   %d\n", profile.TileSize)
	fmt.Printf("bounds:      %.6f,%.6f,%.6f,%.6f\n", extents.Bounds[0], extents.Bounds[1], extents.Bounds[2], extents.Bounds[3])
	fmt.Printf("zoom levels: %d-%d\n", extents.MinZoom, extents.MaxZoom)
	fmt.Printf("tiles:       %d\n", count)
	return nil
}

func runMBTilesExport(cmd *cobra.Command, args []string) error {
	store, _, _, err := mbtiles.Open(args[0], "", false)
	if err != nil {
		return fmt.Errorf("open mbtiles archive: %w", err)
	}
	defer store.Close()

	outputDir := args[1]
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	refs, err := store.TileRefs()
	if err != nil {
		return fmt.Errorf("list tiles: %w", err)
	}

	exported := 0
	for _, ref := range refs {
		data, err := store.ReadTile(ref.Z, ref.X, ref.Y)
		if err != nil {
			continue
		}

		tileDir := filepath.Join(outputDir, fmt.Sprintf("%d", ref.Z), fmt.Sprintf("%d", ref.X))
		if err := os.MkdirAll(tileDir, 0o755); err != nil {
			return fmt.Errorf("create tile dir: %w", err)
		}

		tilePath := filepath.Join(tileDir, fmt.Sprintf("%d.png", ref.Y))
		if err := os.WriteFile(tilePath, data, 0o644); err != nil {
			return fmt.Errorf("write tile %s: %w", tilePath, err)
		}
		exported++
	}

	fmt.Printf("exported %d tiles to %s\n", exported, outputDir)
	return nil
}
