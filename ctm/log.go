package ctm

import "github.com/sirupsen/logrus"

// log is the package-level logger. Entries about a single task go through
// taskLog, which tags them with the task name and node id.
var log = logrus.StandardLogger()

func taskLog(taskName, nodeID string) *logrus.Entry {
	return log.WithFields(logrus.Fields{"task": taskName, "node": nodeID})
}
