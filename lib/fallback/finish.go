// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fallback

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/expstream/lib/archive"
	"github.com/bureau-foundation/expstream/lib/replaystore"
)

// WaitForFinish shuts the coordinator down and reports whether the
// experiment's data is safe: delivered online, or captured in an
// offline archive. Later calls return the first result.
func (c *Coordinator) WaitForFinish(info ExperimentInfo) bool {
	c.mu.Lock()
	if c.finished {
		result := c.result
		c.mu.Unlock()
		return result
	}
	c.finished = true
	started := c.started
	c.mu.Unlock()

	result := c.finish(info, started)

	c.mu.Lock()
	c.result = result
	c.mu.Unlock()
	return result
}

func (c *Coordinator) finish(info ExperimentInfo, started bool) bool {
	finishStart := c.clock.Now()
	c.logger.Debug("coordinator finishing", "experiment_key", info.Key)

	c.intake.Close()
	if started {
		c.joinLoop()
	} else {
		// Without a loop the queued messages are routed here.
		c.route(c.intake.Drain())
		c.mu.Lock()
		c.stopTime = c.clock.Now()
		c.mu.Unlock()
	}

	onlineOK := false
	if c.monitor.Connected() {
		onlineOK = c.online.WaitForFinish()
	} else {
		c.online.Close()
	}
	if failed := c.store.Count(replaystore.Failed); onlineOK && failed > 0 {
		c.logger.Warn("online delivery finished with undelivered messages", "count", failed)
		onlineOK = false
	}
	c.store.Close()

	var createArchive bool
	switch {
	case onlineOK:
		createArchive = c.keepOfflineArchive && c.offlineUsable()
	case c.offlineUsable():
		createArchive = true
	default:
		c.cleanOfflineData()
		c.logger.Error("experiment data lost: online delivery did not complete and offline fallback is unavailable",
			"experiment_key", info.Key,
		)
		return false
	}

	success := onlineOK
	if createArchive {
		path, err := c.createArchive(info)
		created := err == nil
		if err != nil {
			c.logger.Error("creating offline archive failed", "experiment_key", info.Key, "error", err)
		} else {
			c.mu.Lock()
			c.archivePath = path
			c.mu.Unlock()
		}

		switch {
		case !onlineOK && created:
			c.logger.Warn("experiment data saved to an offline archive; upload it with: expstream upload "+path,
				"path", path,
				"experiment_key", info.Key,
			)
			if c.deliveredAny.Load() {
				c.logger.Info("part of the experiment was delivered online, not uploading the archive automatically",
					"path", path,
				)
			} else {
				c.upload(path)
			}
			success = true
		case !onlineOK:
			success = false
		case created:
			c.logger.Info("offline archive kept", "path", path, "experiment_key", info.Key)
		}
	} else {
		c.abortOffline()
	}
	c.cleanOfflineData()

	c.logger.Debug("coordinator finished",
		"experiment_key", info.Key,
		"success", success,
		"online", onlineOK,
		"archive", c.ArchivePath(),
		"accepted", c.intake.Pushed(),
		"dropped", c.intake.Dropped(),
		"elapsed", c.clock.Now().Sub(finishStart),
	)
	return success
}

// joinLoop waits up to TerminateTimeout for the loop to exit.
func (c *Coordinator) joinLoop() {
	c.intake.Wake()
	timer := c.clock.NewTimer(c.terminateTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		c.logger.Warn("coordinator loop did not stop in time", "timeout", c.terminateTimeout)
	}
}

// createArchive waits for the offline writes and zips the data
// directory.
func (c *Coordinator) createArchive(info ExperimentInfo) (string, error) {
	if c.offlineSender == nil || c.offlineFailed.Load() {
		return "", fmt.Errorf("offline data is unavailable")
	}
	if !c.offlineSender.WaitForFinish() {
		c.logger.Error("offline data may be incomplete", "experiment_key", info.Key)
	}

	c.mu.Lock()
	startTime, stopTime := c.startTime, c.stopTime
	c.mu.Unlock()
	if startTime.IsZero() {
		startTime = stopTime
	}

	return archive.Create(archive.CreateConfig{
		DataDirectory:   c.offlineData,
		OutputDirectory: c.offlineDirectory,
		Metadata: archive.Metadata{
			ExperimentKey: info.Key,
			Workspace:     info.Workspace,
			ProjectName:   info.ProjectName,
			Tags:          info.Tags,
			StartTime:     startTime.UnixMilli(),
			StopTime:      stopTime.UnixMilli(),
			MessageCount:  c.offlineSender.Count(),
		},
	})
}

// upload hands the archive to the registered uploader. Errors and
// panics are logged.
func (c *Coordinator) upload(path string) {
	c.mu.Lock()
	uploader := c.uploader
	c.mu.Unlock()
	if uploader == nil {
		return
	}

	uploadStart := c.clock.Now()
	err := func() (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("uploader panicked: %v", recovered)
			}
		}()
		return uploader(path)
	}()
	if err != nil {
		c.logger.Error("uploading offline archive failed", "path", path, "error", err)
		return
	}
	c.logger.Debug("offline archive uploaded", "path", path, "elapsed", c.clock.Now().Sub(uploadStart))
}

func (c *Coordinator) abortOffline() {
	if c.offlineSender != nil {
		c.logger.Debug("aborting offline sender")
		c.offlineSender.AbortAndWait(c.terminateTimeout)
	}
}

func (c *Coordinator) cleanOfflineData() {
	if c.offlineData == "" {
		return
	}
	if err := os.RemoveAll(c.offlineData); err != nil {
		c.logger.Debug("removing offline data failed", "directory", c.offlineData, "error", err)
	}
}
