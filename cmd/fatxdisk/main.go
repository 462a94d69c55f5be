// Command fatxdisk manages the host-side layout of a FATX virtual disk
// without booting a guest: it can create the layout from scratch, print
// partition details, dump per-partition cluster statistics, and inspect XISO
// images.
package main

import (
	"fmt"
	"os"

	"github.com/dargueta/fatx"
	"github.com/dargueta/fatx/xdvdfs"
	"github.com/gocarina/gocsv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Usage: "Manage FATX virtual disk layouts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "root",
				Usage: "emulator root directory containing Harddisk/",
				Value: ".",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Before: func(ctx *cli.Context) error {
			if ctx.Bool("verbose") {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "format",
				Usage:  "Create or reopen the host layout, formatting missing or dirty partitions",
				Action: formatLayout,
			},
			{
				Name:      "info",
				Usage:     "Print a partition's superblock and geometry",
				Action:    printInfo,
				ArgsUsage: "PARTITION",
			},
			{
				Name:   "stats",
				Usage:  "Print per-partition cluster statistics",
				Action: printStats,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "csv", Usage: "emit CSV instead of a table"},
				},
			},
			{
				Name:      "xiso",
				Usage:     "Validate an XISO image and optionally look up a path inside it",
				Action:    inspectXISO,
				ArgsUsage: "IMAGE [PATH]",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatalf("fatal error: %s", err.Error())
	}
}

func openDisk(ctx *cli.Context) (*fatx.Disk, error) {
	return fatx.Open(fatx.Options{Root: ctx.String("root")})
}

func formatLayout(ctx *cli.Context) error {
	disk, err := openDisk(ctx)
	if err != nil {
		return err
	}
	return disk.Close()
}

func printInfo(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one partition number")
	}
	var num int
	if _, err := fmt.Sscanf(ctx.Args().First(), "%d", &num); err != nil {
		return fmt.Errorf("bad partition number %q", ctx.Args().First())
	}

	disk, err := openDisk(ctx)
	if err != nil {
		return err
	}
	defer disk.Close()

	p := disk.Partition(num)
	if p == nil {
		return fmt.Errorf("partition %d does not exist", num)
	}

	variant := "FATX32"
	if p.IsFATX16() {
		variant = "FATX16"
	}
	fmt.Printf("Partition %d\n", num)
	if num == 0 {
		fmt.Printf("  config area, %#x bytes\n", fatx.ConfigAreaSize)
		return nil
	}
	fmt.Printf("  variant:        %s\n", variant)
	fmt.Printf("  cluster size:   %d bytes\n", p.ClusterSize())
	fmt.Printf("  total clusters: %d\n", p.TotalClusters())
	fmt.Printf("  free clusters:  %d\n", p.FreeClusters())
	fmt.Printf("  corrupted:      %v\n", p.Corrupted())
	return nil
}

// partitionStats is one row of the stats report.
type partitionStats struct {
	Partition     int    `csv:"partition"`
	Variant       string `csv:"variant"`
	ClusterSize   uint64 `csv:"cluster_size"`
	TotalClusters uint64 `csv:"total_clusters"`
	FreeClusters  uint64 `csv:"free_clusters"`
	UsedClusters  uint64 `csv:"used_clusters"`
}

func printStats(ctx *cli.Context) error {
	disk, err := openDisk(ctx)
	if err != nil {
		return err
	}
	defer disk.Close()

	var rows []partitionStats
	for num := 1; num < fatx.MaxPartitions; num++ {
		p := disk.Partition(num)
		if p == nil {
			continue
		}
		variant := "FATX32"
		if p.IsFATX16() {
			variant = "FATX16"
		}
		rows = append(rows, partitionStats{
			Partition:     num,
			Variant:       variant,
			ClusterSize:   p.ClusterSize(),
			TotalClusters: p.TotalClusters(),
			FreeClusters:  p.FreeClusters(),
			UsedClusters:  p.TotalClusters() - p.FreeClusters(),
		})
	}

	if ctx.Bool("csv") {
		out, err := gocsv.MarshalString(&rows)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	}

	for _, row := range rows {
		fmt.Printf(
			"Partition%d  %s  cluster=%dB  total=%d  free=%d  used=%d\n",
			row.Partition, row.Variant, row.ClusterSize,
			row.TotalClusters, row.FreeClusters, row.UsedClusters,
		)
	}
	return nil
}

func inspectXISO(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("expected an image path")
	}

	img, err := xdvdfs.Open(ctx.Args().First())
	if err != nil {
		return err
	}
	defer img.Close()

	fmt.Printf("%s: valid xiso, mastered %d\n", img.Name(), img.Timestamp())
	if ctx.NArg() < 2 {
		return nil
	}

	info := img.Search(ctx.Args().Get(1))
	if !info.Exists {
		return fmt.Errorf("%s not found in image", ctx.Args().Get(1))
	}
	kind := "file"
	if info.IsDirectory {
		kind = "directory"
	}
	fmt.Printf("%s: %s, %d bytes at image offset %#x\n",
		ctx.Args().Get(1), kind, info.Size, info.Offset)
	return nil
}
