package storage

import (
	"errors"
	"fmt"
)

// CopyReport counts the records a Copy wrote and the ones it found already present
type CopyReport struct {
	UploadedImages int `json:"uploaded_images"`
	DockerImages   int `json:"docker_images"`
	Containers     int `json:"containers"`
	Skipped        int `json:"skipped"`
}

// Copy writes every record of src into dst. Records whose id already exists
// in dst are left alone, so an interrupted copy can be rerun. Versions
// restart at 1 in dst. With dryRun nothing is written and the report counts
// what would be.
func Copy(dst, src Store, dryRun bool) (*CopyReport, error) {
	report := &CopyReport{}

	created := func(err error, kind, id string, n *int) error {
		switch {
		case err == nil:
			*n++
			return nil
		case errors.Is(err, ErrExists):
			report.Skipped++
			return nil
		default:
			return fmt.Errorf("failed to copy %s %s: %w", kind, id, err)
		}
	}

	uploads, err := src.ListUploadedImages()
	if err != nil {
		return nil, fmt.Errorf("failed to list uploaded images: %w", err)
	}
	for _, img := range uploads {
		if dryRun {
			report.UploadedImages++
			continue
		}
		if err := created(dst.CreateUploadedImage(img), "uploaded image", img.ID, &report.UploadedImages); err != nil {
			return report, err
		}
	}

	images, err := src.ListDockerImages()
	if err != nil {
		return report, fmt.Errorf("failed to list docker images: %w", err)
	}
	for _, img := range images {
		if dryRun {
			report.DockerImages++
			continue
		}
		if err := created(dst.CreateDockerImage(img), "docker image", img.ID, &report.DockerImages); err != nil {
			return report, err
		}
	}

	containers, err := src.ListContainers()
	if err != nil {
		return report, fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		if dryRun {
			report.Containers++
			continue
		}
		if err := created(dst.CreateContainer(c), "container", c.ID, &report.Containers); err != nil {
			return report, err
		}
	}

	return report, nil
}
