package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	frameRate       = 25 // fps
	audioSampleRate = 48000
	videoWidth      = 720
	videoHeight     = 1280
	logDir          = "logs"
)

// Colors cycled over the generated clips so neighbouring items are easy to
// tell apart when scrolling.
var colors = []string{"0x1f77b4", "0xff7f0e", "0x2ca02c", "0xd62728", "0x9467bd", "0x8c564b"}

func main() {
	outputDir := flag.String("out", "content", "Output directory")
	count := flag.Int("count", 6, "Number of clips")
	minDur := flag.Int("mindur", 4, "Duration of the first clip in seconds")
	maxDur := flag.Int("maxdur", 9, "Longest clip duration in seconds")
	bitrate := flag.Int("bitrate", 800, "Video bitrate in kbps")
	flag.Parse()

	if *minDur < 1 || *maxDur < *minDur {
		log.Fatalf("Invalid durations: mindur=%d maxdur=%d", *minDur, *maxDur)
	}
	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.Fatalf("Failed to create logs directory: %v", err)
	}

	span := *maxDur - *minDur + 1
	for i := 0; i < *count; i++ {
		dur := *minDur + i%span
		generateClip(*outputDir, i, dur, *bitrate)
	}

	fmt.Println("All clips generated successfully!")
}

func generateClip(outputDir string, nr, durationSec, bitrateInKbps int) {
	name := fmt.Sprintf("clip_%03d", nr)
	outputFile := filepath.Join(outputDir, name+".mp4")
	logFile := filepath.Join(logDir, name+".log")
	fmt.Printf("Generating %ds clip: %s\n", durationSec, outputFile)

	logFileHandle, err := os.Create(logFile)
	if err != nil {
		log.Fatalf("Failed to create log file: %v", err)
	}
	defer logFileHandle.Close()

	color := colors[nr%len(colors)]
	//nolint: lll
	videoFilter := fmt.Sprintf(
		"drawtext=text='%s':fontcolor=white:fontsize=96:x=(w-text_w)/2:y=(h-text_h)/2,"+
			"drawtext=text='%%{pts\\:hms}':fontcolor=white:fontsize=48:box=1:boxcolor=black@0.5:boxborderw=5:x=20:y=20",
		name,
	)

	// One-second GOPs and fragments, so preloading can stop at fragment boundaries.
	cmdArgs := []string{
		"-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=%s:size=%dx%d:rate=%d:duration=%d", color, videoWidth, videoHeight, frameRate, durationSec),
		"-f", "lavfi",
		"-i", fmt.Sprintf("sine=frequency=%d:sample_rate=%d:duration=%d", 440+nr*110, audioSampleRate, durationSec),
		"-vf", videoFilter,
		"-c:v", "libx264",
		"-b:v", fmt.Sprintf("%dk", bitrateInKbps),
		"-preset", "veryfast",
		"-profile:v", "main",
		"-x264opts", fmt.Sprintf("keyint=%d:min-keyint=%d:scenecut=0:bframes=0:force-cfr=1", frameRate, frameRate),
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "96k",
		"-movflags", "cmaf+separate_moof+delay_moov+skip_trailer",
		"-frag_duration", "1000000",
		outputFile,
	}

	cmdString := "ffmpeg " + strings.Join(cmdArgs, " ")
	fmt.Println("Executing ffmpeg command:")
	fmt.Println(cmdString)

	_, _ = logFileHandle.WriteString("Command: " + cmdString + "\n\n")

	cmd := exec.Command("ffmpeg", cmdArgs...)
	cmd.Stdout = logFileHandle
	cmd.Stderr = logFileHandle

	if err := cmd.Run(); err != nil {
		log.Fatalf("Failed to generate %s: %v", name, err)
	}

	if fi, err := os.Stat(outputFile); err == nil {
		kbps := float64(fi.Size()*8) / float64(durationSec) / 1000.0
		fmt.Printf("  %s: %.2f KB, average %.2f kbps\n", name, float64(fi.Size())/1024.0, kbps)
	}
}
