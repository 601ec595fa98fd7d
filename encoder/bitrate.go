package encoder

// Bitrate floors by resolution tier and frame-rate tier, in kbps. Used when
// the caller supplies no explicit bitrate so a stream is never provisioned
// below what its resolution needs to avoid stalling the ingest.

type bitrateRow struct {
	minPixels int
	lowFPS    int // fps <= 30
	highFPS   int // fps > 30
}

var bitrateTable = []bitrateRow{
	{3840 * 2160, 45000, 51000},
	{2560 * 1440, 16000, 24000},
	{1920 * 1080, 6000, 9000},
	{1280 * 720, 4500, 6000},
	{0, 2500, 4000},
}

// BitrateFor returns the floor bitrate in kbps for the output size and rate.
func BitrateFor(width, height, fps int) int {
	pixels := width * height
	for _, row := range bitrateTable {
		if pixels >= row.minPixels {
			if fps <= 30 {
				return row.lowFPS
			}
			return row.highFPS
		}
	}
	return 2500
}

// EffectiveBitrate applies the floor only when the caller left bitrate unset.
func EffectiveBitrate(explicitKbps, width, height, fps int) int {
	if explicitKbps > 0 {
		return explicitKbps
	}
	return BitrateFor(width, height, fps)
}
