package schema

// baseFields is the crash table as first published. Columns are never removed
// from it: when the upstream extract stops carrying one, the field simply
// normalizes to null for that year.
var baseFields = []Field{
	key("crash_crn"),
	text("district"),
	text("crash_county"),
	text("municipality"),
	text("police_agcy"),
	integer("crash_year"),
	text("crash_month"),
	integer("day_of_week"),
	text("time_of_day"),
	text("hour_of_day"),
	text("illumination"),
	text("weather"),
	text("road_condition"),
	text("collision_type"),
	text("relation_to_road"),
	text("intersect_type"),
	text("tcd_type"),
	text("urban_rural"),
	text("location_type"),
	text("sch_bus_ind"),
	text("sch_zone_ind"),
	integer("total_units"),
	integer("person_count"),
	integer("vehicle_count"),
	integer("automobile_count"),
	integer("motorcycle_count"),
	integer("bus_count"),
	integer("small_truck_count"),
	integer("heavy_truck_count"),
	integer("suv_count"),
	integer("van_count"),
	integer("bicycle_count"),
	integer("fatal_count"),
	integer("injury_count"),
	integer("maj_inj_count"),
	integer("mod_inj_count"),
	integer("min_inj_count"),
	integer("unk_inj_deg_count"),
	integer("unk_inj_per_count"),
	integer("unbelted_occ_count"),
	integer("unb_death_count"),
	integer("unb_maj_inj_count"),
	integer("belted_death_count"),
	integer("belted_maj_inj_count"),
	integer("mcycle_death_count"),
	integer("mcycle_maj_inj_count"),
	integer("bicycle_death_count"),
	integer("bicycle_maj_inj_count"),
	integer("ped_count"),
	integer("ped_death_count"),
	integer("ped_maj_inj_count"),
	integer("comm_veh_count"),
	integer("max_severity_level"),
	integer("driver_count_16yr"),
	integer("driver_count_17yr"),
	integer("driver_count_18yr"),
	integer("driver_count_19yr"),
	integer("driver_count_20yr"),
	integer("driver_count_50_64yr"),
	integer("driver_count_65_74yr"),
	integer("driver_count_75plus"),
	text("latitude"),
	text("longitude"),
	float("dec_lat"),
	float("dec_long"),
	lenientInt("est_hrs_closed"),
	integer("lane_closed"),
	text("ln_close_dir"),
	text("ntfy_hiwy_maint"),
	text("rdwy_surf_type_cd"),
	text("spec_juris_cd"),
	text("tcd_func_cd"),
	text("tfc_detour_ind"),
	text("work_zone_ind"),
	text("work_zone_type"),
	text("work_zone_loc"),
	lenientInt("cons_zone_spd_lim"),
	text("workers_pres"),
	text("wz_close_detour"),
	text("wz_flagger"),
	text("wz_law_offcr_ind"),
	text("wz_ln_closure"),
	text("wz_moving"),
	text("wz_other"),
	text("wz_shlder_mdn"),
	text("flag_crn"),
	flag("interstate"),
	flag("state_road"),
	flag("local_road"),
	flag("local_road_only"),
	flag("turnpike"),
	flag("wet_road"),
	flag("snow_slush_road"),
	flag("icy_road"),
	flag("sudden_deer"),
	flag("shldr_related"),
	flag("rear_end"),
	flag("ho_oppdir_sdswp"),
	flag("hit_fixed_object"),
	flag("sv_run_off_rd"),
	flag("work_zone"),
	flag("property_damage_only"),
	flag("fatal_or_maj_inj"),
	flag("injury"),
	flag("fatal"),
	flag("non_intersection"),
	flag("intersection"),
	flag("signalized_int"),
	flag("stop_controlled_int"),
	flag("unsignalized_int"),
	flag("school_bus"),
	flag("school_zone"),
	flag("hit_deer"),
	flag("hit_tree_shrub"),
	flag("hit_embankment"),
	flag("hit_pole"),
	flag("hit_gdrail"),
	flag("hit_gdrail_end"),
	flag("hit_barrier"),
	flag("hit_bridge"),
	flag("overturned"),
	flag("motorcycle"),
	flag("bicycle"),
	flag("hvy_truck_related"),
	flag("vehicle_failure"),
	flag("train_trolley"),
	flag("phantom_vehicle"),
	flag("alcohol_related"),
	flag("drinking_driver"),
	flag("underage_drnk_drv"),
	flag("unlicensed"),
	flag("cell_phone"),
	flag("no_clearance"),
	flag("running_red_lt"),
	flag("tailgating"),
	flag("cross_median"),
	flag("curve_dvr_error"),
	flag("limit_65mph"),
	flag("speeding"),
	flag("speeding_related"),
	flag("aggressive_driving"),
	flag("fatigue_asleep"),
	flag("driver_16yr"),
	flag("driver_17yr"),
	flag("driver_65_74yr"),
	flag("driver_75plus"),
	flag("unbelted"),
	flag("pedestrian"),
	flag("distracted"),
	flag("curved_road"),
	flag("driver_18yr"),
	flag("driver_19yr"),
	flag("driver_20yr"),
	flag("driver_50_64yr"),
	flag("vehicle_towed"),
	flag("fire_in_vehicle"),
	flag("hit_parked_vehicle"),
	flag("mc_drinking_driver"),
	flag("drugged_driver"),
	flag("injury_or_fatal"),
	flag("comm_vehicle"),
	flag("impaired_driver"),
	flag("deer_related"),
	flag("drug_related"),
	flag("hazardous_truck"),
	flag("illegal_drug_related"),
	flag("illumination_dark"),
	flag("minor_injury"),
	flag("moderate_injury"),
	flag("major_injury"),
	flag("nhtsa_agg_driving"),
	flag("psp_reported"),
	flag("running_stop_sign"),
	flag("train"),
	flag("trolley"),
	text("roadway_crn"),
	integer("rdwy_seq_num"),
	integer("adj_rdwy_seq"),
	text("access_ctrl"),
	text("roadway_county"),
	integer("lane_count"),
	text("rdwy_orient"),
	text("road_owner"),
	text("route"),
	integer("speed_limit"),
	text("segment"),
	integer("offset"),
	text("street_name"),
}

// extendedOnly are the columns that first appeared in the 2017 extract.
var extendedOnly = []Field{
	integer("tot_inj_count"),
	text("school_bus_unit"),
}

var extendedFields = append(append(make([]Field, 0, len(baseFields)+len(extendedOnly)), baseFields...), extendedOnly...)
