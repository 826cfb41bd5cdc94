package camera

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// StreamInfo is what the prober learned about an RTSP stream.
type StreamInfo struct {
	Width  int
	Height int
	FPS    float64
	Codec  string
}

// Prober reads stream properties via ffprobe.
type Prober struct {
	ffprobePath string
}

func NewProber(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{ffprobePath: ffprobePath}
}

// Probe inspects the stream's first video track.
func (p *Prober) Probe(ctx context.Context, url string) (*StreamInfo, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-select_streams", "v:0",
		"-rtsp_transport", "tcp",
		url,
	}
	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var probeData struct {
		Streams []struct {
			CodecName  string `json:"codec_name"`
			Width      int    `json:"width"`
			Height     int    `json:"height"`
			RFrameRate string `json:"r_frame_rate"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &probeData); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(probeData.Streams) == 0 {
		return nil, fmt.Errorf("no video stream in %s", url)
	}

	stream := probeData.Streams[0]
	return &StreamInfo{
		Width:  stream.Width,
		Height: stream.Height,
		FPS:    parseFrameRate(stream.RFrameRate),
		Codec:  stream.CodecName,
	}, nil
}

// parseFrameRate handles ffprobe's "num/den" rational frame rates.
func parseFrameRate(rate string) float64 {
	parts := strings.SplitN(rate, "/", 2)
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	if len(parts) == 1 {
		return num
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || den == 0 {
		return 0
	}
	return num / den
}
