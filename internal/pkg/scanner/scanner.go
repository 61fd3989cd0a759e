package scanner

import (
	"context"
	"k8s.io/klog/v2"
	"kube-vuln-scanner/internal/pkg/security"
	"sync"
	"time"
)

// SecurityFactory returns the Security used to scan the given image reference.
type SecurityFactory func(imageUri string) (*Security, error)

type scanner struct {
	ctx         context.Context
	newSecurity SecurityFactory
	imageChan   chan string
	resultsChan chan *ImageScanResult
	wg          *sync.WaitGroup
}

// ImageScanResult holds the per-backend vulnerabilities of an image, or the error that prevented scanning it.
type ImageScanResult struct {
	Image   string
	Results security.Results
	Err     error
}

// ScanImages concurrently scans a list of images with every enabled security backend. The returned channel is
// closed once all images have been processed.
func ScanImages(ctx context.Context, imageUris []string, concurrency int, newSecurity SecurityFactory) chan *ImageScanResult {
	results := make(chan *ImageScanResult, len(imageUris))
	if len(imageUris) == 0 {
		klog.Info("No images to scan; nothing to do.")
		close(results)
		return results
	}
	if concurrency < 1 {
		concurrency = 1
	}
	klog.Infof("Started %d vulnerability scans at %s", len(imageUris), time.Now().Format(time.RFC1123))
	// Put all images into a channel to scan them concurrently
	images := make(chan string, len(imageUris))
	for _, imageUri := range imageUris {
		images <- imageUri
	}

	s := &scanner{
		ctx:         ctx,
		newSecurity: newSecurity,
		imageChan:   images,
		resultsChan: results,
		wg:          &sync.WaitGroup{},
	}
	s.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go s.processImages()
	}

	// Close the images channel to signal to goroutines that all images have been queued for processing
	close(images)

	// Wait for image scans to complete and populate the results channel (or for a termination signal to be received)
	s.wg.Wait()
	close(results)

	klog.Infof("All image scans completed.")
	return results
}

// processImages scans all image URIs in the scanner's image URI channel; can safely be called concurrently.
func (s *scanner) processImages() {
	defer s.wg.Done()
	for {
		select {
		case imageUri, ok := <-s.imageChan:
			// End this worker if the channel is closed and there are no more items in the channel
			if !ok {
				return
			}
			klog.Infof("Scanning image: %s", imageUri)
			sec, err := s.newSecurity(imageUri)
			if err != nil {
				klog.Errorf("Error preparing scan of %s: %s", imageUri, err.Error())
				s.resultsChan <- &ImageScanResult{Image: imageUri, Err: err}
				break
			}
			s.resultsChan <- &ImageScanResult{
				Image:   imageUri,
				Results: sec.Vulnerabilities(s.ctx),
			}
		case <-s.ctx.Done():
			klog.Info("Received cancellation signal, stopping image processing...")
			return
		}
	}
}
