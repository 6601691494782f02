package authbridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/user/droidpilot/internal/types"
)

const deviceDownloadDir = "/sdcard/Download"

// ApplyDelegation applies an approved decision's artifact to the execution
// target and returns history lines describing what was done. Mapping is by
// payload kind, not capability: text types into the focused field, geo goes
// to the location channel, an image is pushed into shared storage.
//
// Callers apply a decision at most once; a decision without an artifact is a
// no-op.
func ApplyDelegation(ctx context.Context, device types.Device, decision *types.AuthDecision) ([]string, error) {
	if decision == nil || !decision.Approved || decision.Artifact == nil {
		return nil, nil
	}

	artifact := decision.Artifact
	switch artifact.Kind {
	case types.ArtifactText:
		if err := device.TypeText(ctx, artifact.Text); err != nil {
			return nil, fmt.Errorf("type delegated text: %w", err)
		}
		return []string{
			fmt.Sprintf("delegation_result=typed_text chars=%d", len(artifact.Text)),
		}, nil

	case types.ArtifactGeo:
		if err := device.SetLocation(ctx, artifact.Lat, artifact.Lon); err != nil {
			return nil, fmt.Errorf("set delegated location: %w", err)
		}
		return []string{
			fmt.Sprintf("delegation_result=set_location lat=%g lon=%g", artifact.Lat, artifact.Lon),
		}, nil

	case types.ArtifactImage:
		data, err := os.ReadFile(artifact.Path)
		if err != nil {
			return nil, fmt.Errorf("read delegated image: %w", err)
		}
		destPath := deviceDownloadDir + "/" + filepath.Base(artifact.Path)
		if err := device.PushFile(ctx, data, destPath); err != nil {
			return nil, fmt.Errorf("push delegated image: %w", err)
		}
		// Make the file visible to gallery/picker apps right away.
		scan := fmt.Sprintf(
			"am broadcast -a android.intent.action.MEDIA_SCANNER_SCAN_FILE -d file://%s", destPath)
		if _, err := device.Shell(ctx, scan); err != nil {
			return nil, fmt.Errorf("media scan: %w", err)
		}
		return []string{
			fmt.Sprintf("delegation_result=pushed_image path=%s", destPath),
			// Advisory hint for the next model decision; the picker path is
			// stable but nothing enforces that the model follows it.
			fmt.Sprintf("delegation_template=gallery_import: the delegated photo is the newest item in Downloads (%s); in a picker, open the Downloads or Recent tab and select the first item", destPath),
		}, nil
	}

	return nil, fmt.Errorf("unknown artifact kind: %q", artifact.Kind)
}
