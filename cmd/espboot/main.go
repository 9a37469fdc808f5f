package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/espboot/internal/protocol"
	"github.com/bigbag/espboot/internal/serialport"
	"github.com/bigbag/espboot/internal/session"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag     string
	baudFlag     int
	offsetFlag   string
	lengthFlag   string
	compressFlag bool
	eraseAllFlag bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "espboot",
		Short: "Flash and inspect ESP32-family devices over the ROM download protocol",
		Long: `espboot talks directly to the ESP32 ROM bootloader and stub flasher:
sync, detect, upload a stub, and read/write/erase flash — no external
esptool dependency required.`,
	}

	flashCmd := &cobra.Command{
		Use:   "flash <image.bin>",
		Short: "Write an image to flash at --offset",
		Args:  cobra.ExactArgs(1),
		RunE:  runFlash,
	}
	flashCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	flashCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	flashCmd.Flags().StringVarP(&offsetFlag, "offset", "o", "0x10000", "Flash offset (hex or decimal)")
	flashCmd.Flags().BoolVar(&compressFlag, "compress", true, "Compress the image with DEFLATE before writing")

	readCmd := &cobra.Command{
		Use:   "read <output.bin>",
		Short: "Read back flash contents at --offset for --length bytes",
		Args:  cobra.ExactArgs(1),
		RunE:  runRead,
	}
	readCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	readCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	readCmd.Flags().StringVarP(&offsetFlag, "offset", "o", "0x0", "Flash offset (hex or decimal)")
	readCmd.Flags().StringVarP(&lengthFlag, "length", "l", "", "Bytes to read (hex or decimal)")
	readCmd.MarkFlagRequired("length")

	eraseCmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase flash, either whole-chip (--all) or a region (--offset/--length)",
		RunE:  runErase,
	}
	eraseCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	eraseCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	eraseCmd.Flags().StringVarP(&offsetFlag, "offset", "o", "0x0", "Region offset (hex or decimal)")
	eraseCmd.Flags().StringVarP(&lengthFlag, "length", "l", "", "Region length (hex or decimal)")
	eraseCmd.Flags().BoolVar(&eraseAllFlag, "all", false, "Erase the whole flash chip instead of a region")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Detect and show information about connected ESP32 devices",
		RunE:  runInfo,
	}
	infoCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	infoCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("espboot %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(flashCmd, readCmd, eraseCmd, infoCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// parseNum accepts both "0x..." and plain decimal forms for --offset/--length.
func parseNum(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return uint32(n), nil
}

// connect opens portName (auto-detecting it via session.ScanPorts when
// empty), resets the target into the ROM download loader, and runs
// sync+detect. Callers must Close the returned port.
func connect(portName string, baud int) (*serialport.Port, *session.Session, error) {
	if portName == "" {
		fmt.Println("Detecting device...")
		results, err := session.ScanPorts(baud)
		if err != nil {
			return nil, nil, fmt.Errorf("device scan failed: %w", err)
		}
		if len(results) == 0 {
			return nil, nil, fmt.Errorf("no ESP32 device found")
		}
		portName = results[0].Port
		fmt.Printf("Found %s on %s\n", results[0].ChipName, results[0].Port)
	}

	port, err := serialport.Open(portName, baud)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open port: %w", err)
	}
	if err := port.ResetToBootloader(); err != nil {
		port.Close()
		return nil, nil, fmt.Errorf("failed to reset into bootloader: %w", err)
	}

	sess := session.New(port, baud, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	fmt.Println("Syncing with bootloader...")
	if err := sess.Sync(ctx); err != nil {
		port.Close()
		return nil, nil, fmt.Errorf("sync failed: %w", err)
	}
	chipID, err := sess.Detect(ctx)
	if err != nil {
		port.Close()
		return nil, nil, fmt.Errorf("detect failed: %w", err)
	}
	fmt.Printf("Connected to %s (chip_id=0x%02X)\n", protocol.ChipName(chipID), chipID)

	return port, sess, nil
}

func newBar(description string, total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func runFlash(cmd *cobra.Command, args []string) error {
	imagePath := args[0]
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("failed to read image file: %w", err)
	}
	offset, err := parseNum(offsetFlag)
	if err != nil {
		return err
	}
	fmt.Printf("Image: %s (%d bytes) -> 0x%X\n", imagePath, len(image), offset)

	port, sess, err := connect(portFlag, baudFlag)
	if err != nil {
		return err
	}
	defer port.Close()

	bar := newBar("Flashing", len(image))
	sess.SetProgressCallback(func(done, total int) {
		bar.Set(done)
	})

	ctx := context.Background()
	if compressFlag {
		err = sess.FlashWriteDeflate(ctx, offset, image)
	} else {
		err = sess.FlashWrite(ctx, offset, image)
	}
	bar.Finish()
	if err != nil {
		return fmt.Errorf("flash write failed: %w", err)
	}

	fmt.Println("Rebooting device...")
	if err := sess.Reboot(ctx); err != nil {
		fmt.Printf("Warning: reboot failed: %v\n", err)
	}
	fmt.Println("Done!")
	return nil
}

func runRead(cmd *cobra.Command, args []string) error {
	outputPath := args[0]
	offset, err := parseNum(offsetFlag)
	if err != nil {
		return err
	}
	length, err := parseNum(lengthFlag)
	if err != nil {
		return err
	}

	port, sess, err := connect(portFlag, baudFlag)
	if err != nil {
		return err
	}
	defer port.Close()

	ctx := context.Background()
	fmt.Println("Uploading stub...")
	if err := sess.RunStub(ctx); err != nil {
		return fmt.Errorf("run_stub failed: %w", err)
	}

	bar := newBar("Reading", int(length))
	sess.SetProgressCallback(func(done, total int) {
		bar.Set(done)
	})

	data, err := sess.ReadFlash(ctx, offset, length)
	bar.Finish()
	if err != nil {
		return fmt.Errorf("read_flash failed: %w", err)
	}

	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	fmt.Printf("Wrote %d bytes to %s\n", len(data), outputPath)
	return nil
}

func runErase(cmd *cobra.Command, args []string) error {
	port, sess, err := connect(portFlag, baudFlag)
	if err != nil {
		return err
	}
	defer port.Close()

	ctx := context.Background()
	fmt.Println("Uploading stub...")
	if err := sess.RunStub(ctx); err != nil {
		return fmt.Errorf("run_stub failed: %w", err)
	}

	if eraseAllFlag {
		fmt.Println("Erasing whole flash chip, this may take a while...")
		if err := sess.EraseFlash(ctx); err != nil {
			return fmt.Errorf("erase_flash failed: %w", err)
		}
		fmt.Println("Done!")
		return nil
	}

	if lengthFlag == "" {
		return fmt.Errorf("--length is required unless --all is given")
	}
	offset, err := parseNum(offsetFlag)
	if err != nil {
		return err
	}
	length, err := parseNum(lengthFlag)
	if err != nil {
		return err
	}

	fmt.Printf("Erasing 0x%X bytes at 0x%X...\n", length, offset)
	if err := sess.EraseRegion(ctx, offset, length); err != nil {
		return fmt.Errorf("erase_region failed: %w", err)
	}
	fmt.Println("Done!")
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	if portFlag != "" {
		result, err := session.DetectOnPort(portFlag, baudFlag)
		if err != nil {
			return fmt.Errorf("failed to detect device on %s: %w", portFlag, err)
		}
		printDeviceInfo(result)
		return nil
	}

	fmt.Println("Scanning for ESP32 devices...")
	devices, err := session.ScanPorts(baudFlag)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No ESP32 devices found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(d)
		fmt.Println()
	}
	return nil
}

func printDeviceInfo(d session.ScanResult) {
	fmt.Printf("  Port:     %s\n", d.Port)
	fmt.Printf("  Chip:     %s\n", d.ChipName)
	if d.ChipID != 0 {
		fmt.Printf("  Chip ID:  0x%02X\n", d.ChipID)
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serialport.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}
	return nil
}
