// Package odometry estimates the robot pose from wheel encoders and the IMU.
//
// Position is dead-reckoned from differential-drive encoder deltas. Heading
// is fused with the gyro yaw rate by a two-state Kalman filter:
//
//	state x = [heading (deg), gyro bias (deg/s)]
//	predict: heading' = heading + (gz - bias)*dt
//	measure: heading integrated from the encoder deltas
//
// Headings are degrees counter-clockwise from the +x axis.
package odometry
