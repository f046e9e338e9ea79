package cli

import (
	"context"
	"fmt"

	"github.com/smallsimplesuper/macplus/internal/events"
)

// awaitScanComplete drains ch until a ScanComplete event arrives or the
// command's context is cancelled, printing the result. These debug
// subcommands are one-shot scripts, not the long-lived GUI host the event
// bus is really for, so blocking here is the right trade — there is no
// second listener to starve.
func awaitScanComplete(ctx interface{ Done() <-chan struct{} }, ch <-chan events.Event) error {
	for {
		select {
		case ev := <-ch:
			if ev.Kind != events.ScanComplete {
				continue
			}
			p, ok := ev.Payload.(events.ScanCompletePayload)
			if !ok {
				return fmt.Errorf("scan-complete: unexpected payload type %T", ev.Payload)
			}
			if !p.Success {
				return fmt.Errorf("scan failed: %s", p.Message)
			}
			fmt.Printf("scan complete: %d apps found, %d warnings\n", p.AppsFound, p.Warnings)
			return nil
		case <-ctx.Done():
			return context.Canceled
		}
	}
}

// awaitCheckComplete mirrors awaitScanComplete for check_all_updates.
func awaitCheckComplete(ctx interface{ Done() <-chan struct{} }, ch <-chan events.Event) error {
	for {
		select {
		case ev := <-ch:
			if ev.Kind != events.UpdateCheckComplete {
				continue
			}
			p, ok := ev.Payload.(events.UpdateCheckCompletePayload)
			if !ok {
				return fmt.Errorf("update-check-complete: unexpected payload type %T", ev.Payload)
			}
			if !p.Success {
				return fmt.Errorf("check failed: %s", p.Message)
			}
			fmt.Printf("check complete: %d updates found\n", p.UpdatesFound)
			return nil
		case <-ctx.Done():
			return context.Canceled
		}
	}
}
