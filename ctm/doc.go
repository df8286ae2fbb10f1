/*
 * KafkaClusteredTaskManager - ctm
 *
 * ctm coordinates periodic task execution across a fleet of peer nodes so
 * that, for every registered task, at most one node runs it at a time. All
 * coordination flows through a single shared append-only log topic (the
 * "sync topic") used as a broadcast bus: nodes publish small typed signals
 * and every node observes them in the log's total order.
 *
 */
package ctm
