// Package cron runs background maintenance on cron schedules.
//
// Jobs are registered by name and fired by robfig/cron. Every run goes
// through the command queue's cron lane keyed by job name, so scheduled and
// manual runs of one job never overlap.
package cron
